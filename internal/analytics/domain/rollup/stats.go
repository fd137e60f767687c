package rollup

import "math"

// Stats is a mergeable summary of a set of values.
// M2 is the sum of squared deviations from the mean (Welford on observe,
// Chan's parallel formula on merge).
type Stats struct {
	Count int64
	Sum   float64
	M2    float64
	Min   float64
	Max   float64
}

// Observe adds one value.
func (s *Stats) Observe(v float64) {
	if s.Count == 0 {
		s.Min, s.Max = v, v
	} else {
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	delta := v - s.Mean()
	s.Count++
	s.Sum += v
	s.M2 += delta * (v - s.Mean())
}

// Merge folds other into s.
func (s *Stats) Merge(other Stats) {
	if other.Count == 0 {
		return
	}
	if s.Count == 0 {
		*s = other
		return
	}
	n1, n2 := float64(s.Count), float64(other.Count)
	delta := other.Mean() - s.Mean()
	s.M2 += other.M2 + delta*delta*n1*n2/(n1+n2)
	s.Count += other.Count
	s.Sum += other.Sum
	s.Min = math.Min(s.Min, other.Min)
	s.Max = math.Max(s.Max, other.Max)
}

// Mean returns the arithmetic mean, or 0 for an empty summary.
func (s Stats) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// StdDev returns the sample standard deviation, or 0 when fewer than two values were observed.
func (s Stats) StdDev() float64 {
	if s.Count < 2 {
		return 0
	}
	variance := s.M2 / float64(s.Count-1)
	if variance < 0 {
		return 0
	}
	return math.Sqrt(variance)
}
