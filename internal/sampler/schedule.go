package sampler

import "fmt"

// Algorithm selects the step-update strategy. The choice is fixed for
// the lifetime of a run.
type Algorithm string

const (
	AlgoEuler    Algorithm = "euler"
	AlgoHeun     Algorithm = "heun"
	AlgoPingPong Algorithm = "pingpong"
)

// ParseAlgorithm maps a config string to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case AlgoEuler, AlgoHeun, AlgoPingPong:
		return Algorithm(s), nil
	case "":
		return AlgoEuler, nil
	default:
		return "", ErrConfiguration(fmt.Sprintf("unknown scheduler algorithm %q", s))
	}
}

// Schedule is the ordered timestep sequence for one run. Times has one
// entry per inference step; the step from Times[len-1] lands on End.
type Schedule struct {
	Times []float64
	End   float64
}

// NewSchedule computes the timestep schedule for n steps over
// [start, end]. n must be at least 1 and start must differ from end.
func NewSchedule(n int, start, end float64) (Schedule, error) {
	if n < 1 {
		return Schedule{}, ErrConfiguration(fmt.Sprintf("at least one inference step required, got %d", n))
	}
	if start == end {
		return Schedule{}, ErrConfiguration("schedule start and end coincide")
	}
	times := make([]float64, n)
	for i := 0; i < n; i++ {
		times[i] = start + (end-start)*float64(i)/float64(n)
	}
	return Schedule{Times: times, End: end}, nil
}

// Steps returns the number of integration steps.
func (s Schedule) Steps() int { return len(s.Times) }

// Next returns the time the i-th step lands on.
func (s Schedule) Next(i int) float64 {
	if i+1 < len(s.Times) {
		return s.Times[i+1]
	}
	return s.End
}
