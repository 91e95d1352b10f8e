package discipline

import (
	"math"
	"testing"

	"go.uber.org/zap"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(zap.NewNop(), FE5680A())
}

func TestNewEngineRejectsInvalidParams(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("NewEngine must panic on invalid parameters")
		}
	}()
	p := FE5680A()
	p.Gain = 0
	NewEngine(zap.NewNop(), p)
}

func TestStartPromotesToFastAtExactTick(t *testing.T) {
	e := testEngine(t)
	for i := 1; i <= 60; i++ {
		_, ok := e.Tick(Observation{})
		if !ok {
			t.Fatalf("tick %d must produce a value", i)
		}
		if i < 60 && e.Mode() != ModeStart {
			t.Fatalf("promoted at tick %d, want 60", i)
		}
	}
	if e.Mode() != ModeFast {
		t.Errorf("mode = %v after 60 clean ticks, want FAST", e.Mode())
	}
	if math.Abs(e.Status().AvgPPSErr) > 1e-9 {
		t.Errorf("avg pps error = %v, want ~0", e.Status().AvgPPSErr)
	}
}

func TestStartHoldsWhilePhaseErrorLarge(t *testing.T) {
	e := testEngine(t)
	// Frequency is clean but the phase average stays far from zero: the
	// transition waits for the timeout tick.
	e.avgPhaseErr = 4000
	for i := 1; i < 600; i++ {
		e.avgPhaseErr = 4000
		e.Tick(Observation{})
		if e.Mode() != ModeStart {
			t.Fatalf("promoted at tick %d despite phase error, want hold until 600", i)
		}
	}
	e.avgPhaseErr = 4000
	e.Tick(Observation{})
	if e.Mode() != ModeFast {
		t.Errorf("mode = %v after timeout tick, want FAST", e.Mode())
	}
}

func TestStartExitTimerResetsOnFrequencyError(t *testing.T) {
	e := testEngine(t)
	for i := 0; i < 30; i++ {
		e.Tick(Observation{})
	}
	// One noisy observation large enough to push the average over the exit
	// threshold.
	e.Tick(Observation{Intracycle: 300})
	if e.exitTimer != 0 {
		t.Errorf("exit timer = %d after frequency excursion, want 0", e.exitTimer)
	}
}

func TestPromotionIsAdjacentOnly(t *testing.T) {
	e := testEngine(t)
	e.mode = ModeFast
	seen := []Mode{ModeFast}
	for i := 0; i < 200*1*1+200*2*2+10; i++ {
		e.Tick(Observation{})
		if m := e.Mode(); m != seen[len(seen)-1] {
			if m != seen[len(seen)-1]+1 {
				t.Fatalf("mode skipped from %v to %v", seen[len(seen)-1], m)
			}
			seen = append(seen, m)
		}
	}
	if seen[len(seen)-1] != ModeSlow {
		t.Errorf("final mode = %v, want SLOW", seen[len(seen)-1])
	}
}

func TestPromotionTiming(t *testing.T) {
	e := testEngine(t)
	e.mode = ModeFast
	for i := 1; i <= 200; i++ {
		e.Tick(Observation{})
		if i < 200 && e.Mode() != ModeFast {
			t.Fatalf("promoted at tick %d, want 200", i)
		}
	}
	if e.Mode() != ModeMed {
		t.Errorf("mode = %v after 200 stable ticks, want MED", e.Mode())
	}
}

func TestPromotionRescalesIntegral(t *testing.T) {
	e := testEngine(t)
	e.mode = ModeFast
	e.exitTimer = 200*1*1 - 1
	e.iTerm = 100
	e.Tick(Observation{})
	if e.Mode() != ModeMed {
		t.Fatalf("mode = %v, want MED", e.Mode())
	}
	want := 100 * e.p.TCMed / e.p.TCFast
	// The PI step after the transition also accumulates into iTerm; with a
	// zero phase average the increment is zero.
	if math.Abs(e.iTerm-want) > 1e-6 {
		t.Errorf("iTerm = %v after promotion, want %v", e.iTerm, want)
	}
}

func TestResetFoldsIntegralIntoTrim(t *testing.T) {
	e := testEngine(t)
	e.mode = ModeMed
	e.trim = 500
	e.iTerm = 3600
	e.avgPhaseErr = 7
	e.avgPPSErr = 0.1
	e.exitTimer = 12

	e.Reset()

	want := 500 - 3600/e.p.TCMed
	if math.Abs(e.trim-want) > 1e-9 {
		t.Errorf("trim = %v after reset, want %v", e.trim, want)
	}
	if e.iTerm != 0 || e.avgPhaseErr != 0 || e.avgPPSErr != 0 || e.exitTimer != 0 {
		t.Errorf("reset must zero integral, averages and exit timer: %+v", e.Status())
	}
	if e.Mode() != ModeStart {
		t.Errorf("mode = %v after reset, want START", e.Mode())
	}
}

func TestResetFromStartPreservesTrim(t *testing.T) {
	e := testEngine(t)
	e.trim = 250
	e.iTerm = 0
	e.Reset()
	if e.trim != 250 {
		t.Errorf("trim = %v after reset from START, want 250", e.trim)
	}
}

func TestFixLossDowngradesFromSlow(t *testing.T) {
	e := testEngine(t)
	e.mode = ModeSlow
	e.trim = 100
	e.iTerm = 7200

	e.DowngradeOnFixLoss()

	if e.Mode() != ModeMed {
		t.Errorf("mode = %v after fix loss, want MED", e.Mode())
	}
	if e.enterTimer != 300 {
		t.Errorf("enter timer = %d, want 300 (100 x old mode)", e.enterTimer)
	}
	if e.trim != 100 {
		t.Errorf("trim = %v, want unchanged 100 (downgrade is not a reset)", e.trim)
	}
	want := 7200 * e.p.TCMed / e.p.TCSlow
	if math.Abs(e.iTerm-want) > 1e-9 {
		t.Errorf("iTerm = %v, want rescaled %v", e.iTerm, want)
	}
}

func TestFixLossAtStartIsNoop(t *testing.T) {
	e := testEngine(t)
	e.DowngradeOnFixLoss()
	if e.Mode() != ModeStart || e.enterTimer != 0 {
		t.Errorf("fix loss at START must change nothing: %+v", e.Status())
	}
}

func TestEnterTimerSuppressesSecondDemotion(t *testing.T) {
	e := testEngine(t)
	e.mode = ModeSlow
	e.avgPhaseErr = 1000
	e.Tick(Observation{PhaseErrNs: 1000})
	if e.Mode() != ModeMed {
		t.Fatalf("mode = %v, want MED after demotion", e.Mode())
	}
	// The phase error is still far beyond the MED threshold, but the hold
	// timer keeps the mode where it is.
	e.avgPhaseErr = 1000
	e.Tick(Observation{PhaseErrNs: 1000})
	if e.Mode() != ModeMed {
		t.Errorf("mode = %v, want MED held by enter timer", e.Mode())
	}
}

func TestHardBoundForcesReset(t *testing.T) {
	e := testEngine(t)
	e.mode = ModeFast
	e.trim = 50
	e.iTerm = 200
	e.avgPPSErr = 0.75

	_, ok := e.Tick(Observation{})
	if ok {
		t.Error("tick crossing the hard bound must not produce a value")
	}
	if e.Mode() != ModeStart {
		t.Errorf("mode = %v, want START after hard-bound reset", e.Mode())
	}
	if e.iTerm != 0 {
		t.Errorf("iTerm = %v, want 0 after reset", e.iTerm)
	}
}

func TestZeroErrorsNeverDemote(t *testing.T) {
	e := testEngine(t)
	e.mode = ModeMed
	e.avgPhaseErr = 30
	e.avgPPSErr = 0.2
	for i := 0; i < 5000; i++ {
		before := e.Mode()
		e.Tick(Observation{})
		if e.Mode() < before {
			t.Fatalf("demoted at tick %d on all-zero errors", i)
		}
	}
	st := e.Status()
	if math.Abs(st.AvgPhaseErrNs) > 0.5 || math.Abs(st.AvgPPSErr) > 0.01 {
		t.Errorf("averages must converge toward 0: %+v", st)
	}
}

func TestIntegralWindupOffload(t *testing.T) {
	e := testEngine(t)
	e.mode = ModeFast
	e.enterTimer = 10 // keep the mode machine quiet
	e.trim = 0
	e.iTerm = e.p.WindupLimit*e.p.TCFast + 500

	e.Tick(Observation{})

	if e.iTerm > e.p.WindupLimit*e.p.TCFast {
		t.Errorf("iTerm = %v, want bounded by %v", e.iTerm, e.p.WindupLimit*e.p.TCFast)
	}
	if e.trim != -e.p.WindupLimit {
		t.Errorf("trim = %v, want %v after offload", e.trim, -e.p.WindupLimit)
	}
}

func TestTrackingTickValue(t *testing.T) {
	e := testEngine(t)
	e.mode = ModeFast
	e.enterTimer = 10
	e.trim = 1000

	obs := Observation{PhaseErrNs: 10}
	v, ok := e.Tick(obs)
	if !ok {
		t.Fatal("tracking tick must produce a value")
	}

	// Recompute the expected PI output.
	window := e.p.TCFast / 10
	ape := 10.0 / window
	pTerm := ape * e.p.Gain
	iTerm := pTerm / (e.p.TCFast * e.p.Damping)
	adj := (pTerm + iTerm) / e.p.TCFast
	want := int64(math.Round(1000 - adj))
	if v != want {
		t.Errorf("tuning value = %d, want %d", v, want)
	}
}

func TestMissedPulseScalesFrequencySample(t *testing.T) {
	e := testEngine(t)
	// intracycle -2 over a 2-second gap contributes half as much as over one
	// second.
	e.Tick(Observation{Intracycle: -2, SecondsDelta: 1})
	one := e.Status().AvgPPSErr

	f := testEngine(t)
	f.Tick(Observation{Intracycle: -2, SecondsDelta: 0})
	if math.Abs(one-f.Status().AvgPPSErr/2) > 1e-12 {
		t.Errorf("missed-pulse sample must be scaled by 1/(seconds+1): %v vs %v",
			one, f.Status().AvgPPSErr)
	}
}
