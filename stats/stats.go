// Package stats summarizes raw luminance samples.
package stats

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Summary holds basic statistics over a batch of sensor samples.
type Summary struct {
	N    int     `json:"n"`
	Mean float64 `json:"mean"`
	Min  uint16  `json:"min"`
	Max  uint16  `json:"max"`
	Std  float64 `json:"std"`
	SEM  float64 `json:"sem"`
}

// Compute summarizes samples. An empty batch yields a zero Summary.
func Compute(samples []uint16) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	vals := make([]float64, len(samples))
	min, max := samples[0], samples[0]
	for i, s := range samples {
		vals[i] = float64(s)
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	mean, std := stat.MeanStdDev(vals, nil)
	if len(samples) == 1 {
		std = 0
	}
	return Summary{
		N:    len(samples),
		Mean: mean,
		Min:  min,
		Max:  max,
		Std:  std,
		SEM:  std / math.Sqrt(float64(len(samples))),
	}
}
