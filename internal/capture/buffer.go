// Package capture assembles per-radio IQ streams into one dense,
// antenna-indexed sample buffer.
package capture

import (
	"fmt"

	"github.com/rjboer/GoMIMO/internal/fault"
)

// AntennaIndex maps a (node, channel) pair to its antenna position. Nodes
// and channels are concatenated in cluster construction order; downstream
// consumers rely on this to map an antenna back to a physical radio.
func AntennaIndex(node, channel, channelsPerNode int) int {
	return node*channelsPerNode + channel
}

// Layout describes the base-station array a buffer is assembled for.
type Layout struct {
	Nodes           int
	ChannelsPerNode int
	Samples         int
}

// Antennas is the total channel count across all base-station nodes.
func (l Layout) Antennas() int {
	return l.Nodes * l.ChannelsPerNode
}

// Locate is the inverse of AntennaIndex.
func (l Layout) Locate(antenna int) (node, channel int, err error) {
	if l.ChannelsPerNode <= 0 || antenna < 0 || antenna >= l.Antennas() {
		return 0, 0, fmt.Errorf("antenna %d outside array of %d", antenna, l.Antennas())
	}
	return antenna / l.ChannelsPerNode, antenna % l.ChannelsPerNode, nil
}

func (l Layout) validate() error {
	if l.Nodes <= 0 || l.ChannelsPerNode <= 0 || l.Samples <= 0 {
		return fault.New(fault.ErrConfiguration, "capture layout", "nodes, channels per node and samples must be positive (got %d, %d, %d)", l.Nodes, l.ChannelsPerNode, l.Samples)
	}
	return nil
}

// Buffer is a dense [frame][antenna][sample] array of IQ samples.
type Buffer struct {
	frames   int
	antennas int
	samples  int
	data     []complex64
}

// NewBuffer allocates a zeroed buffer.
func NewBuffer(frames, antennas, samples int) *Buffer {
	return &Buffer{
		frames:   frames,
		antennas: antennas,
		samples:  samples,
		data:     make([]complex64, frames*antennas*samples),
	}
}

// Shape returns the buffer dimensions as [frames, antennas, samples].
func (b *Buffer) Shape() [3]int {
	return [3]int{b.frames, b.antennas, b.samples}
}

// At returns one sample.
func (b *Buffer) At(frame, antenna, sample int) complex64 {
	return b.data[b.offset(frame, antenna)+sample]
}

// Antenna returns the samples of one antenna in one frame. The slice
// aliases the buffer.
func (b *Buffer) Antenna(frame, antenna int) []complex64 {
	off := b.offset(frame, antenna)
	return b.data[off : off+b.samples : off+b.samples]
}

// Data returns the backing slice in frame, antenna, sample order.
func (b *Buffer) Data() []complex64 {
	return b.data
}

func (b *Buffer) offset(frame, antenna int) int {
	if frame < 0 || frame >= b.frames || antenna < 0 || antenna >= b.antennas {
		panic(fmt.Sprintf("capture: index [%d][%d] out of range %v", frame, antenna, b.Shape()))
	}
	return (frame*b.antennas + antenna) * b.samples
}
