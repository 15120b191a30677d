// Package normalization moves event timestamps from both sources onto a
// shared zero origin and corrects the known clock skew between them.
package normalization

// Clock converts absolute sandbox times into seconds since the report epoch.
type Clock struct {
	Epoch  float64
	Offset float64
}

// NewClock builds a clock from the report epoch. A missing epoch yields a
// zero epoch and known=false so the caller can report the fallback.
func NewClock(epoch *float64, offset float64) (clock Clock, known bool) {
	if epoch == nil {
		return Clock{Offset: offset}, false
	}
	return Clock{Epoch: *epoch, Offset: offset}, true
}

// FromEpoch returns t relative to the epoch, shifted by the offset.
func (c Clock) FromEpoch(t float64) float64 {
	return t - c.Epoch + c.Offset
}

// FromOrigin returns every time minus origin, in the same order.
func FromOrigin(times []float64, origin float64) []float64 {
	out := make([]float64, len(times))
	for i, t := range times {
		out[i] = t - origin
	}
	return out
}

// ApplyOffset removes offset from every value when the first value exceeds
// threshold. Only the first sample is inspected: the skew is assumed to be
// constant over a run. The input slice is never modified.
func ApplyOffset(series []float64, offset, threshold float64) []float64 {
	if len(series) == 0 || !(series[0] > threshold) {
		return series
	}
	out := make([]float64, len(series))
	for i, v := range series {
		out[i] = v - offset
	}
	return out
}
