// Driver for the phase-capture device: a character device that emits one
// fixed-size record per timing pulse, carrying the phase discriminator
// reading and the cycle span since the previous pulse.
package timecard

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"example.com/gpsdo/core/timebase"
)

// Record layout, little-endian: magic byte, flags byte, u16 phase
// discriminator reading, u32 cycle span.
const (
	recordLen   = 8
	recordMagic = 0xa5

	flagValid = 0x01
)

// PulseSink is notified once per capture, before the capture is published.
// Whatever quantization error was latched belongs to an older pulse and must
// be gone by the time a consumer can observe the new edge; the edge counter
// always advances last.
type PulseSink interface {
	PulseMark()
}

// Source turns the capture device's record stream into cell publications.
type Source struct {
	log    *zap.Logger
	r      io.Reader
	closer io.Closer
	cell   *timebase.Cell
	pulse  PulseSink
}

// Open attaches the capture device at the named path.
func Open(log *zap.Logger, name string, cell *timebase.Cell, pulse PulseSink) (*Source, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("timecard: opening %s: %w", name, err)
	}
	s := newSource(log, f, cell, pulse)
	s.closer = f
	return s, nil
}

func newSource(log *zap.Logger, r io.Reader, cell *timebase.Cell, pulse PulseSink) *Source {
	return &Source{log: log, r: r, cell: cell, pulse: pulse}
}

// Run publishes captures until the stream ends or ctx is canceled. A byte
// that is not the record magic resynchronizes the stream one byte at a time.
func (s *Source) Run(ctx context.Context) error {
	br := bufio.NewReaderSize(s.r, 4*recordLen)
	rest := make([]byte, recordLen-1)

	for {
		b, err := br.ReadByte()
		if err != nil {
			return s.streamErr(ctx, err)
		}
		if b != recordMagic {
			s.log.Warn("capture stream out of sync", zap.Uint8("byte", b))
			continue
		}
		if _, err := io.ReadFull(br, rest); err != nil {
			return s.streamErr(ctx, err)
		}
		if rest[0]&flagValid == 0 {
			continue
		}
		s.pulse.PulseMark()
		s.cell.Publish(timebase.PhaseCapture{
			ADCPhase:  int32(binary.LittleEndian.Uint16(rest[1:3])),
			CycleSpan: binary.LittleEndian.Uint32(rest[3:7]),
		})
	}
}

func (s *Source) streamErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil
	}
	return fmt.Errorf("timecard: reading captures: %w", err)
}

func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
