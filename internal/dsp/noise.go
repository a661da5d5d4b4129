package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"

	"github.com/rjboer/GoMIMO/internal/capture"
)

// PowerMetric is the reduced noise-floor figure of a capture.
type PowerMetric struct {
	RMS     complex128 // linear RMS amplitude
	PowerDB float64
}

// Linear returns the RMS amplitude as a real number.
func (p PowerMetric) Linear() float64 {
	return real(p.RMS)
}

// NoiseFloor reduces every frame, antenna and sample of buf to one RMS
// amplitude. The decibel figure is taken from the real part of the RMS:
// PowerDB = 10*log10(real(rms)^2). An all-zero buffer yields -Inf dB.
func NoiseFloor(buf *capture.Buffer) PowerMetric {
	return powerOf(buf.Data())
}

// AntennaNoiseFloor applies the NoiseFloor reduction per antenna, across
// all frames. Index i of the result is antenna i of the buffer.
func AntennaNoiseFloor(buf *capture.Buffer) []PowerMetric {
	shape := buf.Shape()
	frames, antennas := shape[0], shape[1]
	out := make([]PowerMetric, antennas)
	for a := 0; a < antennas; a++ {
		sq := make([]float64, 0, frames*shape[2])
		for f := 0; f < frames; f++ {
			sq = appendSquaredMagnitude(sq, buf.Antenna(f, a))
		}
		out[a] = metricFromSquares(sq)
	}
	return out
}

func powerOf(samples []complex64) PowerMetric {
	return metricFromSquares(appendSquaredMagnitude(make([]float64, 0, len(samples)), samples))
}

func appendSquaredMagnitude(dst []float64, samples []complex64) []float64 {
	for _, v := range samples {
		re, im := float64(real(v)), float64(imag(v))
		dst = append(dst, re*re+im*im)
	}
	return dst
}

func metricFromSquares(sq []float64) PowerMetric {
	if len(sq) == 0 {
		return PowerMetric{PowerDB: math.Inf(-1)}
	}
	meanSq := floats.Sum(sq) / float64(len(sq))
	rms := cmplx.Sqrt(complex(meanSq, 0))
	re := real(rms)
	return PowerMetric{
		RMS:     rms,
		PowerDB: 10 * math.Log10(re*re),
	}
}
