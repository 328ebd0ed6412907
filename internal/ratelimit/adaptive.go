package ratelimit

// LoadReporter exposes current host load in percent. ok is false until the
// first sample is available.
type LoadReporter interface {
	Load() (cpu, memory float64, ok bool)
}

// AdaptiveConfig controls how capacity shrinks under resource pressure.
type AdaptiveConfig struct {
	CPUThreshold    float64 // percent, ex: 80
	MemoryThreshold float64 // percent, ex: 85
	MinFactor       float64 // floor of the multiplier, ex: 0.25
}

// Factor returns the capacity multiplier for the given load, in [MinFactor, 1].
// Above a threshold the multiplier falls linearly to MinFactor at 100%.
func (a AdaptiveConfig) Factor(cpu, memory float64) float64 {
	min := a.MinFactor
	if min <= 0 || min > 1 {
		min = 0.25
	}
	f := 1.0
	for _, p := range [...]struct{ v, th float64 }{{cpu, a.CPUThreshold}, {memory, a.MemoryThreshold}} {
		if p.th <= 0 || p.th >= 100 || p.v <= p.th {
			continue
		}
		over := (p.v - p.th) / (100 - p.th)
		if over > 1 {
			over = 1
		}
		if scaled := 1 - over*(1-min); scaled < f {
			f = scaled
		}
	}
	if f < min {
		f = min
	}
	return f
}
