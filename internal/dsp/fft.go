package dsp

import (
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

const adcScale = 2048.0 // 2^11 for 12-bit signed ADC

// FFTShift returns the FFT output shifted so that DC is centered.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	if n == 0 {
		return []complex128{}
	}
	half := n / 2
	shifted := make([]complex128, 0, n)
	shifted = append(shifted, data[half:]...)
	return append(shifted, data[:half]...)
}

// FFTAndDBFS performs an FFT on the provided complex64 samples, applies a Hamming window,
// normalizes by the window sum, and converts the magnitude to dBFS.
func FFTAndDBFS(samples []complex64) ([]complex128, []float64) {
	if len(samples) == 0 {
		return []complex128{}, []float64{}
	}
	win := Hamming(len(samples))
	windowed := ApplyWindow(samples, win)
	fft := fourier.NewCmplxFFT(len(samples)).Coefficients(nil, windowed)
	sumWin := windowGain(win)
	for i := range fft {
		fft[i] /= complex(sumWin, 0)
	}
	shifted := FFTShift(fft)
	dbfs := make([]float64, len(shifted))
	for i, v := range shifted {
		mag := cmplx.Abs(v)
		if mag == 0 {
			dbfs[i] = -math.Inf(1)
			continue
		}
		dbfs[i] = 20 * math.Log10(mag/adcScale)
	}
	return shifted, dbfs
}

// SpectralFloor estimates the noise floor of one antenna as the median bin
// power of its windowed spectrum, in dBFS. A narrowband tone occupies few
// bins and barely moves the median. Empty input yields -Inf.
func SpectralFloor(samples []complex64) float64 {
	if len(samples) == 0 {
		return math.Inf(-1)
	}
	_, dbfs := FFTAndDBFS(samples)
	sort.Float64s(dbfs)
	return stat.Quantile(0.5, stat.Empirical, dbfs, nil)
}
