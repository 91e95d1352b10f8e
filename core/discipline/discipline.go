package discipline

// Two-stage disciplining of the oscillator against GPS: a frequency-locked
// acquisition mode followed by three phase-tracking modes of increasing time
// constant. The controller consumes one error observation per second and
// produces DAC tuning values; everything else (capture handoff, sentence
// handling, serial framing) lives elsewhere.

import (
	"math"

	"go.uber.org/zap"
)

// Mode is the disciplining state. Transitions only ever move to an adjacent
// mode.
type Mode int

const (
	// ModeStart zeroes the frequency error from the cycle count alone before
	// any phase tracking is attempted.
	ModeStart Mode = iota
	ModeFast
	ModeMed
	ModeSlow
)

func (m Mode) String() string {
	switch m {
	case ModeStart:
		return "START"
	case ModeFast:
		return "FAST"
	case ModeMed:
		return "MED"
	case ModeSlow:
		return "SLOW"
	}
	return "UNKNOWN"
}

// Observation is one per-second error measurement: the fused phase error in
// nanoseconds, and the cycle-span error split into whole missed seconds and
// the signed sub-second remainder.
type Observation struct {
	PhaseErrNs   float64
	Intracycle   int64
	SecondsDelta int64
}

// Status is a snapshot of the controller state for telemetry.
type Status struct {
	Mode          Mode
	TrimValue     float64
	ITerm         float64
	AvgPhaseErrNs float64
	AvgPPSErr     float64
	ExitTimer     int
	EnterTimer    int
}

// Engine owns the complete control state. It is not safe for concurrent use;
// the orchestrator drives it from a single goroutine.
type Engine struct {
	log *zap.Logger
	p   Params

	mode        Mode
	trim        float64
	iTerm       float64
	avgPhaseErr float64
	avgPPSErr   float64
	exitTimer   int
	enterTimer  int
}

func NewEngine(log *zap.Logger, p Params) *Engine {
	if !p.valid() {
		panic("invalid calibration parameters")
	}
	return &Engine{log: log, p: p}
}

func (e *Engine) Params() Params { return e.p }

func (e *Engine) Mode() Mode { return e.mode }

func (e *Engine) Status() Status {
	return Status{
		Mode:          e.mode,
		TrimValue:     e.trim,
		ITerm:         e.iTerm,
		AvgPhaseErrNs: e.avgPhaseErr,
		AvgPPSErr:     e.avgPPSErr,
		ExitTimer:     e.exitTimer,
		EnterTimer:    e.enterTimer,
	}
}

// TrimTuning returns the tuning value corresponding to the bare trim, with no
// phase adjustment applied. It is what gets written to the oscillator's
// non-volatile store.
func (e *Engine) TrimTuning() int64 {
	return int64(e.p.DACSign * e.trim)
}

func (e *Engine) timeConstant(m Mode) float64 {
	switch m {
	case ModeStart, ModeFast:
		return e.p.TCFast
	case ModeMed:
		return e.p.TCMed
	case ModeSlow:
		return e.p.TCSlow
	}
	panic("invalid mode")
}

// Reset abandons phase tracking and starts acquisition over. If a
// phase-tracking mode was active, the most recent integral correction is
// folded back into the trim first, so the free-running frequency keeps the
// correction the loop had converged on.
func (e *Engine) Reset() {
	if e.mode != ModeStart {
		e.trim -= e.iTerm / e.timeConstant(e.mode)
	}
	e.iTerm = 0
	e.avgPhaseErr = 0
	e.avgPPSErr = 0
	e.mode = ModeStart
	e.exitTimer = 0
	e.log.Info("controller reset", zap.Float64("trim", e.trim))
}

// downgrade steps one mode down and holds off further demotions long enough
// to see whether the shorter time constant takes. The integral term is
// rescaled whenever the time constant changes so the instantaneous correction
// is preserved.
func (e *Engine) downgrade() {
	e.enterTimer = e.p.EnterHoldBase * int(e.mode)
	old := e.mode
	e.mode--
	e.iTerm *= e.timeConstant(e.mode) / e.timeConstant(old)
}

// DowngradeOnFixLoss backs down one time-constant step when GPS loses its
// fix, regardless of the current filter values. Less averaging means the loop
// slews back into correctness faster once the fix returns. In Start mode
// there is nothing to back down to.
func (e *Engine) DowngradeOnFixLoss() {
	if e.mode == ModeStart {
		return
	}
	e.downgrade()
	e.log.Info("fix lost, mode downgraded", zap.Stringer("mode", e.mode))
}

// Tick feeds one observation through the filters and the mode machine and
// returns the tuning value to apply. ok is false when no value should be
// written this tick (the hard frequency bound forced a reset).
func (e *Engine) Tick(obs Observation) (value int64, ok bool) {
	tc := e.timeConstant(e.mode)

	// An approximation of a rolling average; good enough because the inputs
	// change little in one second.
	window := tc / 10
	e.avgPhaseErr -= e.avgPhaseErr / window
	e.avgPhaseErr += obs.PhaseErrNs / window

	// One intracycle unit is 1e9/NominalFreq ppb. A missed PPS means the
	// delta accumulated over more than one second, so scale it down.
	e.avgPPSErr -= e.avgPPSErr / window
	e.avgPPSErr += float64(obs.Intracycle) / (float64(obs.SecondsDelta+1) * window)

	if e.mode == ModeStart {
		return e.tickStart(), true
	}
	return e.tickTracking()
}

// tickStart is the frequency-locked-loop step: convert the averaged cycle
// delta into a ppb error and walk the trim against it.
func (e *Engine) tickStart() int64 {
	adj := (1e9 / e.p.NominalFreq) * e.avgPPSErr * e.p.StartGain
	e.trim -= adj
	value := int64(e.p.DACSign * e.trim)

	e.log.Debug("acquisition tick",
		zap.Float64("avg_pps_error", e.avgPPSErr),
		zap.Float64("avg_phase_error", e.avgPhaseErr),
		zap.Float64("trim", e.trim),
		zap.Int("exit_timer", e.exitTimer),
	)

	if math.Abs(e.avgPPSErr) <= e.p.StartExitPPS {
		// Once the frequency error is under control, wait for the phase to
		// come near zero before starting phase tracking, but not forever.
		e.exitTimer++
		if (e.exitTimer >= e.p.StartExitTicks &&
			math.Abs(e.avgPhaseErr) <= e.p.StartExitPhaseNs) ||
			e.exitTimer >= e.p.StartTimeoutTicks {
			e.mode = ModeFast
			e.exitTimer = 0
			e.log.Info("mode promoted", zap.Stringer("mode", e.mode))
		}
	} else {
		e.exitTimer = 0
	}
	return value
}

// tickTracking is the phase-locked-loop step: PI control on the filtered
// phase error, relative to the trim established during acquisition.
func (e *Engine) tickTracking() (int64, bool) {
	if math.Abs(e.avgPPSErr) >= e.p.HardPPSBound {
		// A frequency error this large means tracking has lost its footing;
		// start acquisition over.
		e.log.Warn("frequency error beyond hard bound",
			zap.Float64("avg_pps_error", e.avgPPSErr))
		e.Reset()
		return 0, false
	}

	if e.mode != ModeSlow {
		if math.Abs(e.avgPhaseErr) <= e.p.PromoteWithinNs {
			// Required stability grows with the square of the mode.
			e.exitTimer++
			if e.exitTimer >= e.p.PromoteTicksBase*int(e.mode)*int(e.mode) {
				e.exitTimer = 0
				old := e.mode
				e.mode++
				e.iTerm *= e.timeConstant(e.mode) / e.timeConstant(old)
				e.log.Info("mode promoted", zap.Stringer("mode", e.mode))
			}
		} else {
			e.exitTimer = 0
		}
	}
	if e.mode != ModeFast {
		if e.enterTimer > 0 {
			// A demotion just happened; wait to see whether it took.
			e.enterTimer--
		} else if math.Abs(e.avgPhaseErr) >= e.p.DemoteAtNs*float64(e.mode) {
			e.downgrade()
			e.log.Info("mode demoted", zap.Stringer("mode", e.mode))
		}
	}

	tc := e.timeConstant(e.mode)
	pTerm := e.avgPhaseErr * e.p.Gain
	e.iTerm += pTerm / (tc * e.p.Damping)
	adj := (pTerm + e.iTerm) / tc
	value := int64(math.Round(e.p.DACSign * (e.trim - adj)))

	// If the integral is accumulating too much correction, offload some of it
	// into the trim; the net correction is unchanged.
	modulo := e.p.WindupLimit * tc
	if math.Abs(e.iTerm) > modulo {
		sign := 1.0
		if e.iTerm < 0 {
			sign = -1
		}
		e.iTerm -= sign * modulo
		e.trim -= sign * e.p.WindupLimit
		e.log.Debug("integral offloaded to trim", zap.Float64("trim", e.trim))
	}

	e.log.Debug("tracking tick",
		zap.Stringer("mode", e.mode),
		zap.Float64("avg_phase_error", e.avgPhaseErr),
		zap.Float64("avg_pps_error", e.avgPPSErr),
		zap.Float64("p_term", pTerm),
		zap.Float64("i_term", e.iTerm),
		zap.Float64("adjustment", adj),
		zap.Float64("trim", e.trim),
		zap.Int64("tuning", value),
	)
	return value, true
}
