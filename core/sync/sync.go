package sync

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"example.com/gpsdo/base/metrics"
	"example.com/gpsdo/core/discipline"
	"example.com/gpsdo/core/timebase"
)

const defaultPeriod = 100 * time.Millisecond

// Oscillator is the tuning side of the rubidium reference.
type Oscillator interface {
	// Tune applies a volatile tuning value.
	Tune(value int64) error
	// PersistTrim writes a tuning value to the non-volatile store.
	PersistTrim(value int64) error
	// Ready reports whether the physics package has locked.
	Ready() bool
}

// FixSource is the GPS side: fix validity plus the per-pulse quantization
// error latch.
type FixSource interface {
	QESource
	FixValid() bool
}

// Watchdog is petted once per loop iteration. Implementations must tolerate
// being called faster than their timeout.
type Watchdog interface {
	Pet() error
}

// Service runs the disciplining loop: it watches the capture cell for new
// pulses, fuses each with the GPS-reported quantization error, feeds the
// controller and writes the resulting tuning values to the oscillator.
type Service struct {
	Log    *zap.Logger
	Engine *discipline.Engine
	Cell   *timebase.Cell
	GPS    FixSource
	Osc    Oscillator
	Dog    Watchdog // optional
	Period time.Duration
}

type serviceMetrics struct {
	mode            prometheus.Gauge
	phaseErr        prometheus.Gauge
	ppsErr          prometheus.Gauge
	trim            prometheus.Gauge
	tuning          prometheus.Gauge
	discarded       prometheus.Counter
	missedPulses    prometheus.Counter
	expiredQE       prometheus.Counter
	gpsTransitions  prometheus.Counter
	oscTransitions  prometheus.Counter
	persistedWrites prometheus.Counter
}

func newServiceMetrics() *serviceMetrics {
	return &serviceMetrics{
		mode: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SyncModeN,
			Help: metrics.SyncModeH,
		}),
		phaseErr: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SyncPhaseErrAvgN,
			Help: metrics.SyncPhaseErrAvgH,
		}),
		ppsErr: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SyncPPSErrAvgN,
			Help: metrics.SyncPPSErrAvgH,
		}),
		trim: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SyncTrimN,
			Help: metrics.SyncTrimH,
		}),
		tuning: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SyncTuningN,
			Help: metrics.SyncTuningH,
		}),
		discarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncObsDiscardedN,
			Help: metrics.SyncObsDiscardedH,
		}),
		missedPulses: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncPulsesMissedN,
			Help: metrics.SyncPulsesMissedH,
		}),
		expiredQE: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncQEDeferralsExpiredN,
			Help: metrics.SyncQEDeferralsExpiredH,
		}),
		gpsTransitions: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncGPSLockTransitionsN,
			Help: metrics.SyncGPSLockTransitionsH,
		}),
		oscTransitions: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncOscLockTransitionsN,
			Help: metrics.SyncOscLockTransitionsH,
		}),
		persistedWrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncTrimPersistsN,
			Help: metrics.SyncTrimPersistsH,
		}),
	}
}

// Run drives the loop until ctx is canceled. SIGUSR1 requests a persistent
// write of the current trim; it is honored only once the loop has settled
// into its slowest mode.
func (s *Service) Run(ctx context.Context) error {
	if s.Engine == nil || s.Cell == nil || s.GPS == nil || s.Osc == nil {
		panic("sync service is missing a component")
	}
	period := s.Period
	if period == 0 {
		period = defaultPeriod
	}

	m := newServiceMetrics()
	sampler := NewSampler(s.Log, s.Engine.Params())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGUSR1)
	defer signal.Stop(sigs)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var (
		lastEdge       uint64
		gpsLocked      bool
		oscLocked      bool
		started        bool
		persistPending bool
	)

	s.Log.Info("disciplining loop started", zap.Duration("period", period))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sigs:
			persistPending = true
			continue
		case <-ticker.C:
		}

		if s.Dog != nil {
			if err := s.Dog.Pet(); err != nil {
				s.Log.Error("watchdog keepalive failed", zap.Error(err))
			}
		}

		gps := s.GPS.FixValid()
		osc := s.Osc.Ready()
		if started && gps != gpsLocked {
			m.gpsTransitions.Inc()
			s.Log.Info("gps fix state changed", zap.Bool("valid", gps))
			if !gps {
				s.Engine.DowngradeOnFixLoss()
			}
		}
		if started && osc != oscLocked {
			m.oscTransitions.Inc()
			s.Log.Info("oscillator ready state changed", zap.Bool("ready", osc))
			if !osc {
				// The physics package dropped out; its tuning input is
				// meaningless until it relocks, and whatever the loop had
				// converged on no longer describes this oscillator.
				if err := s.Osc.Tune(0); err != nil {
					s.Log.Error("failed to zero tuning", zap.Error(err))
				}
				s.Engine.Reset()
			}
		}
		gpsLocked, oscLocked, started = gps, osc, true

		pc, edge := s.Cell.Latest()
		newEdge := edge != lastEdge
		lastEdge = edge

		if !(gpsLocked && oscLocked) {
			// Free-running: keep the quantization-error latch from going
			// stale, but leave the controller alone.
			if newEdge {
				s.GPS.TakeQuantizationError()
			}
			sampler.Drop()
			continue
		}

		var (
			smp Sample
			ok  bool
		)
		if newEdge {
			smp, ok = sampler.Advance(pc, s.GPS)
		} else {
			smp, ok = sampler.Idle(s.GPS)
		}
		if ok {
			s.applySample(m, smp)
		}

		if persistPending {
			persistPending = false
			if s.Engine.Mode() != discipline.ModeSlow {
				s.Log.Info("persist request ignored outside slow mode",
					zap.Stringer("mode", s.Engine.Mode()))
			} else if err := s.Osc.PersistTrim(s.Engine.TrimTuning()); err != nil {
				s.Log.Error("persistent trim write failed", zap.Error(err))
			} else {
				m.persistedWrites.Inc()
				s.Log.Info("trim written to non-volatile store",
					zap.Int64("value", s.Engine.TrimTuning()))
			}
		}
	}
}

func (s *Service) applySample(m *serviceMetrics, smp Sample) {
	if smp.QEExpired {
		m.expiredQE.Inc()
	}
	if smp.MissedPulse {
		m.missedPulses.Inc()
	}
	if !smp.OK {
		m.discarded.Inc()
		return
	}

	value, ok := s.Engine.Tick(smp.Obs)
	if ok {
		if err := s.Osc.Tune(value); err != nil {
			s.Log.Error("tuning write failed", zap.Error(err))
		}
		m.tuning.Set(float64(value))
	}

	st := s.Engine.Status()
	m.mode.Set(float64(st.Mode))
	m.phaseErr.Set(st.AvgPhaseErrNs)
	m.ppsErr.Set(st.AvgPPSErr)
	m.trim.Set(st.TrimValue)
}
