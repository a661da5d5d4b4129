package dsp

import "math"

// Hamming returns a Hamming window of length n. A single-point window is
// flat; n <= 0 yields an empty slice.
func Hamming(n int) []float64 {
	switch {
	case n <= 0:
		return []float64{}
	case n == 1:
		return []float64{1}
	}
	win := make([]float64, n)
	for i := range win {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

// ApplyWindow weights samples by window and widens them for the FFT.
// Mismatched lengths yield an empty slice.
func ApplyWindow(samples []complex64, window []float64) []complex128 {
	if len(samples) != len(window) {
		return []complex128{}
	}
	out := make([]complex128, len(samples))
	for i, v := range samples {
		out[i] = complex128(v) * complex(window[i], 0)
	}
	return out
}

// windowGain is the coherent gain used to normalize a windowed FFT.
func windowGain(window []float64) float64 {
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	return sum
}
