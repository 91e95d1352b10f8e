package fe

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.bug.st/serial"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"

	"example.com/gpsdo/base/metrics"
)

const defaultBaudRate = 9600

// DeviceConfig describes how an oscillator is attached.
type DeviceConfig struct {
	// BitReduce must match the calibration table of the variant.
	BitReduce uint

	// ReadyPin is the active-low lock output of the physics package; nil for
	// variants without one, which then always read as ready.
	ReadyPin gpio.PinIO

	// BytePace inserts a delay between frame bytes for units whose firmware
	// drops back-to-back input. Zero writes the frame in one call.
	BytePace time.Duration
}

// Device is the serial tuning link. A write with the same value as the last
// one is suppressed: the unit audibly glitches on every command it accepts,
// changed or not. Safe for concurrent use.
type Device struct {
	log        *zap.Logger
	w          io.Writer
	closer     io.Closer
	cfg        DeviceConfig
	writes     prometheus.Counter
	suppressed prometheus.Counter

	mu       sync.Mutex
	last     int32
	haveLast bool
}

// Open attaches the oscillator on the named serial port.
func Open(log *zap.Logger, name string, cfg DeviceConfig) (*Device, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: defaultBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("fe: opening %s: %w", name, err)
	}
	d := newDevice(log, port, cfg)
	d.closer = port
	d.writes = promauto.NewCounter(prometheus.CounterOpts{
		Name: metrics.FETuningWritesN,
		Help: metrics.FETuningWritesH,
	})
	d.suppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: metrics.FETuningSuppressedN,
		Help: metrics.FETuningSuppressedH,
	})
	return d, nil
}

func newDevice(log *zap.Logger, w io.Writer, cfg DeviceConfig) *Device {
	return &Device{log: log, w: w, cfg: cfg}
}

// Tune applies a volatile tuning value.
func (d *Device) Tune(value int64) error {
	return d.send(value, false)
}

// PersistTrim writes a tuning value to the non-volatile store, so the unit
// powers up on it. Never suppressed.
func (d *Device) PersistTrim(value int64) error {
	return d.send(value, true)
}

func (d *Device) send(value int64, persist bool) error {
	if value > 1<<31-1 || value < -(1<<31) {
		return fmt.Errorf("fe: tuning value %d out of range", value)
	}
	v := int32(value)

	d.mu.Lock()
	defer d.mu.Unlock()

	if !persist && d.haveLast && v == d.last {
		if d.suppressed != nil {
			d.suppressed.Inc()
		}
		return nil
	}

	f, err := EncodeFrame(TuningCommand{Value: v, Persist: persist}, d.cfg.BitReduce)
	if err != nil {
		return err
	}
	if err := d.writeFrame(f); err != nil {
		return fmt.Errorf("fe: writing tuning frame: %w", err)
	}
	d.last, d.haveLast = v, true
	if d.writes != nil {
		d.writes.Inc()
	}
	d.log.Debug("tuning frame written",
		zap.Int32("value", v), zap.Bool("persist", persist))
	return nil
}

func (d *Device) writeFrame(f [FrameLen]byte) error {
	if d.cfg.BytePace == 0 {
		_, err := d.w.Write(f[:])
		return err
	}
	for i := range f {
		if _, err := d.w.Write(f[i : i+1]); err != nil {
			return err
		}
		time.Sleep(d.cfg.BytePace)
	}
	return nil
}

// Ready reports whether the physics package has locked to the rubidium line.
func (d *Device) Ready() bool {
	if d.cfg.ReadyPin == nil {
		return true
	}
	return d.cfg.ReadyPin.Read() == gpio.Low
}

func (d *Device) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}
