package analysis

import (
	"strconv"
	"strings"

	"github.com/medrex/lab-analysis/pkg/types"
)

// Verdict is the outcome of the approval rule for one analyzer result
type Verdict struct {
	Numeric     bool
	AutoApprove bool
	Anomalous   bool
}

// parseMeasurement accepts both "7.2" and "7,2"
func parseMeasurement(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(raw), ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Evaluate applies the approval rule to a raw result:
// numeric inside the normal range or numeric without a range is approved
// automatically, numeric outside the range is anomalous and needs a
// human decision, and anything non-numeric always needs a human decision.
func Evaluate(svc *types.Service, raw string) Verdict {
	value, numeric := parseMeasurement(raw)
	if !numeric {
		return Verdict{}
	}

	lo, hi, ok := svc.NormalRange()
	if !ok {
		return Verdict{Numeric: true, AutoApprove: true}
	}

	if value < lo || value > hi {
		return Verdict{Numeric: true, Anomalous: true}
	}
	return Verdict{Numeric: true, AutoApprove: true}
}
