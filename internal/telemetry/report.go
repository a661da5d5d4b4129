package telemetry

import (
	"math"
	"strconv"
	"time"

	"github.com/rjboer/GoMIMO/internal/capture"
	"github.com/rjboer/GoMIMO/internal/cluster"
)

// Decibel is a power level that encodes -Inf (an all-zero capture) as JSON
// null.
type Decibel float64

func (d Decibel) MarshalJSON() ([]byte, error) {
	f := float64(d)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f, 'f', 3, 64), nil
}

// AntennaFloor is the noise floor of one antenna of the array.
type AntennaFloor struct {
	Antenna int     `json:"antenna"`
	Node    int     `json:"node"`
	Channel int     `json:"channel"`
	PowerDB Decibel `json:"powerDb"`
	// SpectralDB is the median FFT bin level of the first frame, in dBFS.
	SpectralDB Decibel `json:"spectralDbfs"`
}

// Report summarizes one capture cycle.
type Report struct {
	Cycle      int            `json:"cycle"`
	Timestamp  time.Time      `json:"timestamp"`
	Trigger    string         `json:"trigger"`
	Shape      [3]int         `json:"shape"`
	RMS        float64        `json:"rms"`
	PowerDB    Decibel        `json:"powerDb"`
	Antennas   []AntennaFloor `json:"antennas"`
	DurationMS float64        `json:"durationMs"`
}

// NewReport builds the report of cycle from a capture result.
func NewReport(cycle int, res cluster.CaptureResult, layout capture.Layout) Report {
	r := Report{
		Cycle:      cycle,
		Timestamp:  time.Now(),
		Trigger:    res.Trigger,
		RMS:        res.Power.Linear(),
		PowerDB:    Decibel(res.Power.PowerDB),
		DurationMS: float64(res.Duration) / float64(time.Millisecond),
	}
	if res.Buffer != nil {
		r.Shape = res.Buffer.Shape()
	}
	r.Antennas = make([]AntennaFloor, len(res.Antennas))
	for a, m := range res.Antennas {
		node, ch, err := layout.Locate(a)
		if err != nil {
			node, ch = -1, -1
		}
		r.Antennas[a] = AntennaFloor{Antenna: a, Node: node, Channel: ch, PowerDB: Decibel(m.PowerDB)}
		if a < len(res.Spectral) {
			r.Antennas[a].SpectralDB = Decibel(res.Spectral[a])
		}
	}
	return r
}

// Reporter receives one report per capture cycle.
type Reporter interface {
	Report(r Report)
}

// MultiReporter fans out reports to multiple destinations.
type MultiReporter []Reporter

// Report forwards the report to each configured reporter.
func (m MultiReporter) Report(r Report) {
	for _, rep := range m {
		if rep != nil {
			rep.Report(r)
		}
	}
}
