package orders

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"sync"
	"time"
)

const barcodeDateLayout = "02012006"

var barcodePattern = regexp.MustCompile(`^([0-9]+)([0-9]{8})([0-9]{6})$`)

// BarcodeGenerator produces tube barcodes of the form
// <biomaterial base><DDMMYYYY><6 random digits>
type BarcodeGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewBarcodeGenerator creates a generator seeded from the clock
func NewBarcodeGenerator() *BarcodeGenerator {
	return NewBarcodeGeneratorWithSource(rand.NewSource(time.Now().UnixNano()))
}

// NewBarcodeGeneratorWithSource creates a generator with a fixed random source
func NewBarcodeGeneratorWithSource(src rand.Source) *BarcodeGenerator {
	return &BarcodeGenerator{rng: rand.New(src)}
}

// Generate returns a barcode for the given base and date
func (g *BarcodeGenerator) Generate(base int64, at time.Time) string {
	g.mu.Lock()
	suffix := g.rng.Intn(1000000)
	g.mu.Unlock()

	return strconv.FormatInt(base, 10) + at.Format(barcodeDateLayout) + fmt.Sprintf("%06d", suffix)
}

// BarcodeInfo is the decoded content of a tube barcode
type BarcodeInfo struct {
	Base   int64     `json:"base"`
	Date   time.Time `json:"date"`
	Suffix string    `json:"suffix"`
}

// DecodeBarcode splits a barcode into its base, date and random suffix
func DecodeBarcode(code string) (*BarcodeInfo, error) {
	m := barcodePattern.FindStringSubmatch(code)
	if m == nil {
		return nil, fmt.Errorf("malformed barcode %q", code)
	}

	base, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || base <= 0 {
		return nil, fmt.Errorf("invalid biomaterial base in barcode %q", code)
	}
	date, err := time.Parse(barcodeDateLayout, m[2])
	if err != nil {
		return nil, fmt.Errorf("invalid date in barcode %q: %w", code, err)
	}

	return &BarcodeInfo{Base: base, Date: date, Suffix: m[3]}, nil
}
