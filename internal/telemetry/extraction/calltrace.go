package extraction

import (
	"strings"

	"github.com/lvonguyen/tracealign/internal/telemetry/ingestion"
	"github.com/lvonguyen/tracealign/internal/telemetry/normalization"
)

// File system APIs tracked as separate series.
const (
	APICreateFile = "NtCreateFile"
	APIReadFile   = "NtReadFile"
	APIOpenFile   = "NtOpenFile"
	APIClose      = "NtClose"
)

// Predicate selects calls from the trace.
type Predicate func(ingestion.Call) bool

// AnyCall matches every call.
func AnyCall(ingestion.Call) bool { return true }

// Category matches calls of the given category.
func Category(category string) Predicate {
	return func(c ingestion.Call) bool { return c.Category == category }
}

// API matches calls to the named API.
func API(name string) Predicate {
	return func(c ingestion.Call) bool { return c.API == name }
}

// FileAPI matches file category calls to the named API.
func FileAPI(name string) Predicate {
	return All(Category("file"), API(name))
}

// BufferContains matches calls whose arguments.buffer contains substr.
// Calls without a buffer never match.
func BufferContains(substr string) Predicate {
	return func(c ingestion.Call) bool {
		return c.Buffer != nil && strings.Contains(*c.Buffer, substr)
	}
}

// All matches when every predicate matches.
func All(preds ...Predicate) Predicate {
	return func(c ingestion.Call) bool {
		for _, p := range preds {
			if !p(c) {
				return false
			}
		}
		return true
	}
}

// Any matches when at least one predicate matches.
func Any(preds ...Predicate) Predicate {
	return func(c ingestion.Call) bool {
		for _, p := range preds {
			if p(c) {
				return true
			}
		}
		return false
	}
}

// Not inverts p.
func Not(p Predicate) Predicate {
	return func(c ingestion.Call) bool { return !p(c) }
}

// FilterCalls walks processes[*].calls[*] in order and returns the
// epoch-relative time of every call matching pred. A nil pred matches all.
func FilterCalls(processes []ingestion.Process, pred Predicate, clock normalization.Clock) []float64 {
	if pred == nil {
		pred = AnyCall
	}
	out := []float64{}
	for _, p := range processes {
		for _, c := range p.Calls {
			if pred(c) {
				out = append(out, clock.FromEpoch(c.Time))
			}
		}
	}
	return out
}

// NetworkTimes returns the raw time of every connection. Network entries
// are already relative to the analysis start, so no epoch is subtracted.
func NetworkTimes(records []ingestion.NetworkRecord) []float64 {
	out := make([]float64, 0, len(records))
	for _, r := range records {
		out = append(out, r.Time)
	}
	return out
}
