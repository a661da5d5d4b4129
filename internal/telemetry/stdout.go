package telemetry

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/rjboer/GoMIMO/internal/logging"
)

// outlierDB is how far an antenna may sit from the array floor before it is
// highlighted.
const outlierDB = 6.0

var (
	hotc  = color.New(color.FgRed, color.Bold)
	deadc = color.New(color.FgYellow, color.Bold)
)

// LogReporter writes each report as a structured log entry.
type LogReporter struct {
	logger logging.Logger
}

// NewLogReporter builds a log reporter with the provided logger.
func NewLogReporter(logger logging.Logger) LogReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return LogReporter{logger: logger}
}

func (r LogReporter) Report(rep Report) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "cycle", Value: rep.Cycle},
		{Key: "trigger", Value: rep.Trigger},
		{Key: "shape", Value: rep.Shape},
		{Key: "power_db", Value: float64(rep.PowerDB)},
	}
	if rep.DurationMS != 0 {
		fields = append(fields, logging.Field{Key: "duration_ms", Value: rep.DurationMS})
	}
	// the quietest and loudest chains point at dead or saturated radios
	if lo, hi, ok := extremes(rep.Antennas); ok {
		fields = append(fields,
			logging.Field{Key: "min_antenna", Value: lo.Antenna},
			logging.Field{Key: "min_antenna_db", Value: float64(lo.PowerDB)},
			logging.Field{Key: "max_antenna", Value: hi.Antenna},
			logging.Field{Key: "max_antenna_db", Value: float64(hi.PowerDB)},
		)
	}
	r.logger.Info("capture report", fields...)
}

func extremes(floors []AntennaFloor) (lo, hi AntennaFloor, ok bool) {
	if len(floors) == 0 {
		return lo, hi, false
	}
	lo, hi = floors[0], floors[0]
	for _, f := range floors[1:] {
		if f.PowerDB < lo.PowerDB {
			lo = f
		}
		if f.PowerDB > hi.PowerDB {
			hi = f
		}
	}
	return lo, hi, true
}

// StdoutReporter prints the capture shape and power of every cycle.
type StdoutReporter struct {
	Out io.Writer
}

func (r StdoutReporter) Report(rep Report) {
	out := r.Out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "cycle %d: shape %v power %s (rms %.6g, trigger %s)\n",
		rep.Cycle, rep.Shape, formatDB(float64(rep.PowerDB)), rep.RMS, rep.Trigger)
	if len(rep.Antennas) == 0 {
		return
	}
	floor := float64(rep.PowerDB)
	var b strings.Builder
	for i, a := range rep.Antennas {
		if i > 0 {
			b.WriteString(" ")
		}
		entry := fmt.Sprintf("n%dc%d=%s", a.Node, a.Channel, formatDB(float64(a.PowerDB)))
		switch db := float64(a.PowerDB); {
		case math.IsInf(floor, 0):
		case db > floor+outlierDB:
			entry = hotc.Sprint(entry)
		case db < floor-outlierDB:
			entry = deadc.Sprint(entry)
		}
		b.WriteString(entry)
	}
	fmt.Fprintf(out, "  antennas: %s\n", b.String())
}

func formatDB(db float64) string {
	if math.IsInf(db, -1) {
		return "-inf dB"
	}
	return fmt.Sprintf("%.2f dB", db)
}
