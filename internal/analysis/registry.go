package analysis

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/medrex/lab-analysis/pkg/types"
)

// Reservation is a claim on a physical analyzer owned by one order service
type Reservation struct {
	Token          string `json:"token"`
	AnalyzerID     int    `json:"analyzer_id"`
	AnalyzerName   string `json:"analyzer_name"`
	OrderServiceID string `json:"order_service_id"`
}

type analyzerSlot struct {
	analyzer types.Analyzer
	holder   string
	token    string
}

// Registry tracks which analyzers are free and who holds the busy ones.
// Virtual analyzers never hold work themselves; reserving one picks the
// first free analyzer from its route pool.
type Registry struct {
	mu     sync.Mutex
	slots  map[int]*analyzerSlot
	routes map[int][]int
}

// NewRegistry creates an empty registry with the given virtual routes
func NewRegistry(routes map[int][]int) *Registry {
	r := &Registry{
		slots:  make(map[int]*analyzerSlot),
		routes: make(map[int][]int, len(routes)),
	}
	for id, pool := range routes {
		r.routes[id] = append([]int(nil), pool...)
	}
	return r
}

// Load replaces the known analyzers and marks every one of them free
func (r *Registry) Load(analyzers []*types.Analyzer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.slots = make(map[int]*analyzerSlot, len(analyzers))
	for _, a := range analyzers {
		slot := &analyzerSlot{analyzer: *a}
		slot.analyzer.Available = true
		slot.analyzer.HeldBy = ""
		r.slots[a.ID] = slot
	}
}

// candidates returns the physical analyzers a request for analyzerID may use
func (r *Registry) candidates(analyzerID int) []int {
	slot, known := r.slots[analyzerID]
	pool, routed := r.routes[analyzerID]

	if routed && (!known || slot.analyzer.Virtual) {
		return pool
	}
	if !known || slot.analyzer.Virtual {
		return nil
	}
	return []int{analyzerID}
}

// TryReserve claims the first free analyzer serving analyzerID
func (r *Registry) TryReserve(analyzerID int, orderServiceID string) (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.candidates(analyzerID) {
		slot, ok := r.slots[id]
		if !ok || slot.analyzer.Virtual || !slot.analyzer.Available {
			continue
		}
		return r.claim(slot, orderServiceID), nil
	}
	return nil, types.NewNoAnalyzerAvailableError(analyzerID)
}

// Adopt re-establishes a reservation recorded before a restart
func (r *Registry) Adopt(analyzerID int, orderServiceID string) (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[analyzerID]
	if !ok || slot.analyzer.Virtual {
		return nil, fmt.Errorf("cannot adopt unknown analyzer %d", analyzerID)
	}
	if !slot.analyzer.Available {
		if slot.holder == orderServiceID {
			return r.reservationOf(slot), nil
		}
		return nil, fmt.Errorf("analyzer %d already held by order service %s", analyzerID, slot.holder)
	}
	return r.claim(slot, orderServiceID), nil
}

func (r *Registry) claim(slot *analyzerSlot, orderServiceID string) *Reservation {
	slot.analyzer.Available = false
	slot.holder = orderServiceID
	slot.token = uuid.New().String()
	return r.reservationOf(slot)
}

func (r *Registry) reservationOf(slot *analyzerSlot) *Reservation {
	return &Reservation{
		Token:          slot.token,
		AnalyzerID:     slot.analyzer.ID,
		AnalyzerName:   slot.analyzer.Name,
		OrderServiceID: slot.holder,
	}
}

// Release frees the analyzer held by res. A stale token or an already
// free analyzer is ignored; the return value reports whether anything changed.
func (r *Registry) Release(res *Reservation) bool {
	if res == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[res.AnalyzerID]
	if !ok || slot.analyzer.Available || slot.token != res.Token {
		return false
	}
	slot.analyzer.Available = true
	slot.holder = ""
	slot.token = ""
	return true
}

// ReservationFor returns the live reservation held by an order service
func (r *Registry) ReservationFor(orderServiceID string) (*Reservation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, slot := range r.slots {
		if !slot.analyzer.Available && slot.holder == orderServiceID {
			return r.reservationOf(slot), true
		}
	}
	return nil, false
}

// Analyzer returns a copy of the analyzer with the given ID
func (r *Registry) Analyzer(id int) (*types.Analyzer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[id]
	if !ok {
		return nil, false
	}
	a := slot.analyzer
	a.HeldBy = slot.holder
	return &a, true
}

// Snapshot returns every analyzer with its availability and holder, by ID
func (r *Registry) Snapshot() []*types.Analyzer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.Analyzer, 0, len(r.slots))
	for _, slot := range r.slots {
		a := slot.analyzer
		a.HeldBy = slot.holder
		out = append(out, &a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
