package sync

import (
	"math"
	"strconv"

	"go.uber.org/zap"

	"example.com/gpsdo/core/discipline"
	"example.com/gpsdo/core/timebase"
)

// QESource yields the receiver-reported quantization error latched for the
// current pulse. Taking it consumes the latch.
type QESource interface {
	TakeQuantizationError() (string, bool)
}

// Sample is one fused error observation, or the record of a capture that was
// rejected before reaching the filters.
type Sample struct {
	Obs discipline.Observation

	// OK is false when the capture was discarded as implausible.
	OK bool

	// QEExpired marks a capture fused with a zero quantization error because
	// none arrived within the deferral.
	QEExpired bool

	// MissedPulse marks a capture spanning more than one second.
	MissedPulse bool
}

// The quantization-error sentence trails its pulse on the 9600-baud link by
// hundreds of milliseconds, so a held capture waits deferralTicks loop
// iterations, roughly the pulse cadence, before being fused with a zero
// correction.
const deferralTicks = 10

// Sampler fuses phase captures with the quantization error reported over the
// slower serial link. The two arrive independently; a capture without its
// quantization error is held until the error arrives, a new pulse supersedes
// it, or the deferral runs out. Not safe for concurrent use.
type Sampler struct {
	log *zap.Logger
	p   discipline.Params

	pending     timebase.PhaseCapture
	pendingAge  int
	havePending bool
}

func NewSampler(log *zap.Logger, p discipline.Params) *Sampler {
	return &Sampler{log: log, p: p}
}

// Advance hands the sampler the capture from a new pulse. If the quantization
// error for it is already latched the fused sample is returned immediately;
// otherwise the capture is held until the next tick.
func (s *Sampler) Advance(pc timebase.PhaseCapture, src QESource) (Sample, bool) {
	if s.havePending {
		// The previous capture never got its quantization error; its pulse
		// is over. Drop it rather than fuse it against the wrong pulse's
		// correction.
		s.log.Warn("capture superseded before its quantization error arrived")
		s.havePending = false
	}
	if qe, ok := src.TakeQuantizationError(); ok {
		return s.fuse(pc, qe, false), true
	}
	s.pending = pc
	s.pendingAge = 0
	s.havePending = true
	return Sample{}, false
}

// Idle runs the deferral on ticks without a new pulse: a held capture is
// fused with the quantization error as soon as it arrives, and with a zero
// correction once the deferral runs out.
func (s *Sampler) Idle(src QESource) (Sample, bool) {
	if !s.havePending {
		return Sample{}, false
	}
	if qe, ok := src.TakeQuantizationError(); ok {
		s.havePending = false
		return s.fuse(s.pending, qe, false), true
	}
	s.pendingAge++
	if s.pendingAge < deferralTicks {
		return Sample{}, false
	}
	s.havePending = false
	return s.fuse(s.pending, "", true), true
}

// Drop abandons any held capture, for ticks where the system is not
// disciplining.
func (s *Sampler) Drop() {
	s.havePending = false
}

func (s *Sampler) fuse(pc timebase.PhaseCapture, qeText string, expired bool) Sample {
	var qe float64
	if qeText != "" {
		var err error
		qe, err = strconv.ParseFloat(qeText, 64)
		if err != nil {
			s.log.Warn("unparseable quantization error", zap.String("text", qeText))
			qe = 0
		}
	}
	phaseErr := float64(s.p.ADCMidpoint-pc.ADCPhase)/2 +
		math.Round(s.p.QECompensation*qe)

	cycleDelta := float64(int64(pc.CycleSpan) - int64(s.p.NominalFreq))
	secondsDelta := int64(math.Round(cycleDelta / s.p.NominalFreq))
	intracycle := int64(cycleDelta) - secondsDelta*int64(s.p.NominalFreq)

	smp := Sample{
		Obs: discipline.Observation{
			PhaseErrNs:   phaseErr,
			Intracycle:   intracycle,
			SecondsDelta: secondsDelta,
		},
		OK:          true,
		QEExpired:   expired,
		MissedPulse: secondsDelta > 0,
	}

	// A pulse arriving early by more than half a second, or an intracycle
	// error beyond 100 ppm, is a capture glitch, not a frequency error the
	// loop should chase.
	if secondsDelta < 0 ||
		math.Abs(float64(intracycle))/float64(secondsDelta+1) > s.p.NominalFreq/10000 {
		s.log.Warn("implausible capture discarded",
			zap.Uint32("cycle_span", pc.CycleSpan),
			zap.Int64("intracycle", intracycle),
			zap.Int64("seconds_delta", secondsDelta),
		)
		smp.OK = false
		return smp
	}
	if secondsDelta != 0 {
		s.log.Info("pulse gap spans multiple seconds",
			zap.Int64("seconds_delta", secondsDelta))
	}
	return smp
}
