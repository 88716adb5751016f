package analyzer

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/medrex/lab-analysis/pkg/logger"
	"github.com/medrex/lab-analysis/pkg/types"
)

// ResultGenerator produces a measured value for one service code
type ResultGenerator func(serviceCode int) string

type simulatedJob struct {
	request     types.AnalyzerRequest
	submittedAt time.Time
}

// Simulator is an in-process stand-in for the analyzer endpoint. Each
// analyzer holds at most one job; GET hands the job back with generated
// results and frees the analyzer.
type Simulator struct {
	mu       sync.Mutex
	jobs     map[string]*simulatedJob
	known    map[string]bool
	generate ResultGenerator
	logger   *logger.Logger
}

// SimulatorOption customizes a Simulator
type SimulatorOption func(*Simulator)

// WithAnalyzers restricts the simulator to the named analyzers
func WithAnalyzers(names ...string) SimulatorOption {
	return func(s *Simulator) {
		s.known = make(map[string]bool, len(names))
		for _, n := range names {
			s.known[n] = true
		}
	}
}

// WithResultGenerator overrides how results are produced
func WithResultGenerator(gen ResultGenerator) SimulatorOption {
	return func(s *Simulator) { s.generate = gen }
}

// NewSimulator creates a simulator producing values around the catalogue's normal ranges
func NewSimulator(catalogue []*types.Service, log *logger.Logger, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		jobs:     make(map[string]*simulatedJob),
		generate: CatalogueGenerator(catalogue, rand.New(rand.NewSource(time.Now().UnixNano())), 0.1),
		logger:   log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CatalogueGenerator returns values inside the normal range, or just
// outside it with probability anomalyRate. Services without a numeric
// range get a positive value up to 100.
func CatalogueGenerator(catalogue []*types.Service, rng *rand.Rand, anomalyRate float64) ResultGenerator {
	byCode := make(map[int]*types.Service, len(catalogue))
	for _, svc := range catalogue {
		byCode[svc.Code] = svc
	}

	var mu sync.Mutex
	return func(serviceCode int) string {
		mu.Lock()
		defer mu.Unlock()

		svc, ok := byCode[serviceCode]
		if !ok {
			return strconv.FormatFloat(rng.Float64()*100, 'f', 1, 64)
		}
		lo, hi, ok := svc.NormalRange()
		if !ok {
			return strconv.FormatFloat(rng.Float64()*100, 'f', 1, 64)
		}

		width := hi - lo
		value := lo + rng.Float64()*width
		if rng.Float64() < anomalyRate {
			value = hi + width*(0.1+rng.Float64()*0.5)
		}
		return strconv.FormatFloat(value, 'f', 1, 64)
	}
}

// Router returns the simulator's HTTP routes
func (s *Simulator) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/api/analyzer/{name}", s.submitHandler).Methods("POST")
	router.HandleFunc("/api/analyzer/{name}", s.resultHandler).Methods("GET")
	router.HandleFunc("/health", s.healthHandler).Methods("GET")
	return router
}

func (s *Simulator) submitHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if s.known != nil && !s.known[name] {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown analyzer"})
		return
	}

	var req types.AnalyzerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Patient == "" || len(req.Services) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "patient and services are required"})
		return
	}

	s.mu.Lock()
	if _, busy := s.jobs[name]; busy {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"error": "analyzer busy"})
		return
	}
	s.jobs[name] = &simulatedJob{request: req, submittedAt: time.Now()}
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"analyzer": name,
		"patient":  req.Patient,
		"services": len(req.Services),
	}).Info("Simulator accepted job")

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Simulator) resultHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	s.mu.Lock()
	job, ok := s.jobs[name]
	delete(s.jobs, name)
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no job"})
		return
	}

	resp := types.AnalyzerResponse{Patient: job.request.Patient}
	for _, svc := range job.request.Services {
		resp.Services = append(resp.Services, types.AnalyzerServiceResult{
			ServiceCode: svc.ServiceCode,
			Result:      s.generate(svc.ServiceCode),
		})
	}

	s.logger.WithField("analyzer", name).Info("Simulator returned result")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Simulator) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	busy := len(s.jobs)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "analyzer-simulator",
		"busy":      busy,
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
