// Driver for the GPS receiver's NMEA serial stream: assembles bounded text
// lines and hands them to the sentence interpreter in arrival order.
package gnss

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"example.com/gpsdo/base/metrics"
)

// maxLine bounds sentence assembly; nothing the receiver emits comes close.
const maxLine = 96

// LineHandler is invoked once per assembled line, synchronously, before the
// next line is read.
type LineHandler func(line string)

// Source reads the receiver's serial stream and dispatches complete lines.
// Bytes before the first '$' are discarded, CR and LF are stripped, and an
// overlong line is dropped wholesale.
type Source struct {
	log     *zap.Logger
	r       io.Reader
	closer  io.Closer
	handle  LineHandler
	handled prometheus.Counter
	dropped prometheus.Counter
}

// Open attaches the receiver on the named serial port.
func Open(log *zap.Logger, name string, baudRate int, handle LineHandler) (*Source, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("gnss: opening %s: %w", name, err)
	}
	s := newSource(log, port, handle)
	s.closer = port
	s.handled = promauto.NewCounter(prometheus.CounterOpts{
		Name: metrics.GNSSSentencesN,
		Help: metrics.GNSSSentencesH,
	})
	s.dropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: metrics.GNSSSentencesDroppedN,
		Help: metrics.GNSSSentencesDroppedH,
	})
	return s, nil
}

func newSource(log *zap.Logger, r io.Reader, handle LineHandler) *Source {
	return &Source{log: log, r: r, handle: handle}
}

// Run reads until the stream ends or ctx is canceled. Cancellation takes
// effect once the blocking read returns, so the caller should Close the
// source when it cancels.
func (s *Source) Run(ctx context.Context) error {
	br := bufio.NewReaderSize(s.r, 2*maxLine)
	buf := make([]byte, 0, maxLine)
	assembling := false

	for {
		b, err := br.ReadByte()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("gnss: reading stream: %w", err)
		}
		switch {
		case b == '$':
			// A '$' mid-line means the previous sentence lost its
			// terminator; start over on the new one.
			buf = append(buf[:0], b)
			assembling = true
		case !assembling:
		case b == '\r' || b == '\n':
			s.handle(string(buf))
			if s.handled != nil {
				s.handled.Inc()
			}
			assembling = false
		case len(buf) == maxLine:
			s.log.Warn("overlong line dropped")
			if s.dropped != nil {
				s.dropped.Inc()
			}
			assembling = false
		default:
			buf = append(buf, b)
		}
	}
}

func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
