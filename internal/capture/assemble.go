package capture

import (
	"github.com/rjboer/GoMIMO/internal/fault"
)

// Frame holds one frame as drained from the base-station nodes:
// [node][channel][sample], nodes in cluster order.
type Frame [][][]complex64

// Assemble flattens frames into a Buffer laid out by AntennaIndex. It fails
// with fault.ErrShapeMismatch when the data disagrees with the layout and
// never returns a partially filled buffer.
func Assemble(frames []Frame, layout Layout) (*Buffer, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fault.New(fault.ErrShapeMismatch, "assemble", "no frames captured")
	}
	for f, frame := range frames {
		if err := checkFrame(f, frame, layout); err != nil {
			return nil, err
		}
	}

	buf := NewBuffer(len(frames), layout.Antennas(), layout.Samples)
	for f, frame := range frames {
		for n, channels := range frame {
			for c, samples := range channels {
				copy(buf.Antenna(f, AntennaIndex(n, c, layout.ChannelsPerNode)), samples)
			}
		}
	}
	return buf, nil
}

func checkFrame(f int, frame Frame, layout Layout) error {
	total := 0
	for _, channels := range frame {
		total += len(channels)
	}
	if total != layout.Antennas() {
		return fault.New(fault.ErrShapeMismatch, "assemble", "frame %d: %d antennas flattened, array has %d", f, total, layout.Antennas())
	}
	if len(frame) != layout.Nodes {
		return fault.New(fault.ErrShapeMismatch, "assemble", "frame %d: %d nodes, array has %d", f, len(frame), layout.Nodes)
	}
	for n, channels := range frame {
		if len(channels) != layout.ChannelsPerNode {
			return fault.New(fault.ErrShapeMismatch, "assemble", "frame %d node %d: %d channels, want %d", f, n, len(channels), layout.ChannelsPerNode)
		}
		for c, samples := range channels {
			if len(samples) != layout.Samples {
				return fault.New(fault.ErrShapeMismatch, "assemble", "frame %d node %d channel %d: %d samples, want %d", f, n, c, len(samples), layout.Samples)
			}
		}
	}
	return nil
}
