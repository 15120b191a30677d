// Package binning turns sparse event timestamps into dense, fixed-width
// count series that share one time domain.
package binning

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrNothingToDisplay means no series holds a single event.
	ErrNothingToDisplay = errors.New("nothing to display: every series is empty")
	// ErrEmptySeries means an empty series was passed to Bin.
	ErrEmptySeries = errors.New("cannot bucket an empty series")
	// ErrInvalidInterval means the bucket width is not positive.
	ErrInvalidInterval = errors.New("bucket width must be positive")
	// ErrTooManyBuckets means [0, end] split by the width exceeds the bucket limit.
	ErrTooManyBuckets = errors.New("too many buckets")
)

// Bucket is one interval [Start, Start+width) and its event count.
type Bucket struct {
	Start float64 `json:"start" yaml:"start"`
	Count int     `json:"count" yaml:"count"`
}

// Histogram is the dense bucket sequence of one series over [0, End].
type Histogram struct {
	Width   float64  `json:"width" yaml:"width"`
	End     float64  `json:"end" yaml:"end"`
	Buckets []Bucket `json:"buckets" yaml:"buckets"`
}

// GlobalMax returns the largest timestamp across all series.
func GlobalMax(series ...[]float64) (float64, error) {
	hi, found := math.Inf(-1), false
	for _, s := range series {
		for _, t := range s {
			if t > hi {
				hi = t
			}
			found = true
		}
	}
	if !found {
		return 0, ErrNothingToDisplay
	}
	return hi, nil
}

// EndTime rounds globalMax up to a multiple of width. Domains never end
// before zero.
func EndTime(globalMax, width float64) (float64, error) {
	if !(width > 0) || math.IsInf(width, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInterval, width)
	}
	end := math.Ceil(globalMax/width) * width
	if end < 0 {
		end = 0
	}
	return end, nil
}

// BucketCount returns how many buckets cover [0, end] at width: one per
// multiple of width up to and including end. It fails with
// ErrTooManyBuckets when the count exceeds limit.
func BucketCount(end, width float64, limit int) (int, error) {
	if !(width > 0) || math.IsInf(width, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidInterval, width)
	}
	if !(end > 0) {
		return 1, nil
	}
	steps := math.Round(end / width)
	// checked as a float so huge domains never reach the int conversion
	if math.IsInf(steps, 0) || math.IsNaN(steps) || steps+1 > float64(limit) {
		return 0, fmt.Errorf("%w: end %v at width %v needs more than %d", ErrTooManyBuckets, end, width, limit)
	}
	return int(steps) + 1, nil
}

// Bin counts times into width-sized buckets starting at 0, 0+width, ...
// up to and including end. Times outside [0, end+width) are not counted.
// At most limit buckets are allocated.
func Bin(times []float64, width, end float64, limit int) (*Histogram, error) {
	if len(times) == 0 {
		return nil, ErrEmptySeries
	}
	n, err := BucketCount(end, width, limit)
	if err != nil {
		return nil, err
	}

	h := &Histogram{Width: width, End: end, Buckets: make([]Bucket, n)}
	for k := range h.Buckets {
		h.Buckets[k].Start = float64(k) * width
	}

	for _, t := range times {
		q := math.Floor(t / width)
		if !(t >= 0) || !(q <= float64(n)) {
			continue
		}
		k := int(q)
		// float division can land one bucket off at the edges
		if k < n && k > 0 && t < h.Buckets[k].Start {
			k--
		} else if k+1 < n && t >= h.Buckets[k+1].Start {
			k++
		}
		if k < 0 || k >= n {
			continue
		}
		h.Buckets[k].Count++
	}

	return h, nil
}

// Total returns the number of counted events.
func (h *Histogram) Total() int {
	total := 0
	for _, b := range h.Buckets {
		total += b.Count
	}
	return total
}

// Counts returns the histogram as a bucket start -> count map.
func (h *Histogram) Counts() map[float64]int {
	out := make(map[float64]int, len(h.Buckets))
	for _, b := range h.Buckets {
		out[b.Start] = b.Count
	}
	return out
}

// Steps returns coordinates for a post-step plot that starts and ends at
// zero: x = [0, starts..., End], y = [0, counts..., 0].
func (h *Histogram) Steps() (xs, ys []float64) {
	xs = make([]float64, 0, len(h.Buckets)+2)
	ys = make([]float64, 0, len(h.Buckets)+2)

	xs = append(xs, 0)
	ys = append(ys, 0)
	for _, b := range h.Buckets {
		xs = append(xs, b.Start)
		ys = append(ys, float64(b.Count))
	}
	xs = append(xs, h.End)
	ys = append(ys, 0)

	return xs, ys
}
