package discipline

// Calibration parameters for one oscillator variant. The control math is
// identical across variants; tuning range, DAC resolution and usable loop time
// constants are not, so every numeric constant of the loop lives here and can
// be overridden from the configuration file.
type Params struct {
	// NominalFreq is the reference frequency in cycles per second: the
	// expected cycle span between two PPS edges. One cycle of span error per
	// second equals 1e9/NominalFreq ppb.
	NominalFreq float64 `toml:"nominal_frequency,omitempty"`

	// Gain is how many DAC steps move the frequency by 1 ppb, after the
	// low-order payload bits have been reduced away (see BitReduce).
	Gain float64 `toml:"gain,omitempty"`

	// StartGain scales the frequency-mode correction step.
	StartGain float64 `toml:"start_gain,omitempty"`

	// Damping reduces the influence of the integral term.
	Damping float64 `toml:"damping,omitempty"`

	// QECompensation scales the receiver-reported quantization error before
	// it is added to the phase sample.
	QECompensation float64 `toml:"qe_compensation,omitempty"`

	// BitReduce is the number of low-order DAC bits dropped before the filter
	// math and restored on the wire. It keeps the effective gain small enough
	// for comfortable float precision.
	BitReduce uint `toml:"bit_reduce,omitempty"`

	// DACSign is +1 when larger DAC values raise the frequency, -1 otherwise.
	DACSign float64 `toml:"dac_sign,omitempty"`

	// ADCMidpoint is the phase discriminator reading the loop steers toward;
	// each ADC count is close enough to 500 ps.
	ADCMidpoint int32 `toml:"adc_midpoint,omitempty"`

	// Per-mode loop time constants, in seconds. Start shares TCFast.
	TCFast float64 `toml:"tc_fast,omitempty"`
	TCMed  float64 `toml:"tc_med,omitempty"`
	TCSlow float64 `toml:"tc_slow,omitempty"`

	// StartExitPPS is the filtered frequency error (in cycle units, 1 unit =
	// 1e9/NominalFreq ppb) that must hold for StartExitTicks before phase
	// tracking begins, provided the filtered phase error is within
	// StartExitPhaseNs. StartTimeoutTicks forces the transition regardless of
	// phase.
	StartExitPPS      float64 `toml:"start_exit_pps,omitempty"`
	StartExitTicks    int     `toml:"start_exit_ticks,omitempty"`
	StartExitPhaseNs  float64 `toml:"start_exit_phase_ns,omitempty"`
	StartTimeoutTicks int     `toml:"start_timeout_ticks,omitempty"`

	// HardPPSBound is the filtered frequency error beyond which phase
	// tracking is abandoned entirely and acquisition starts over.
	HardPPSBound float64 `toml:"hard_pps_bound,omitempty"`

	// Promotion requires the filtered phase error to stay within
	// PromoteWithinNs for PromoteTicksBase*mode^2 ticks.
	PromoteWithinNs  float64 `toml:"promote_within_ns,omitempty"`
	PromoteTicksBase int     `toml:"promote_ticks_base,omitempty"`

	// Demotion triggers at DemoteAtNs*mode of filtered phase error; after a
	// demotion, further demotions are held off for EnterHoldBase*mode ticks
	// (old mode value).
	DemoteAtNs    float64 `toml:"demote_at_ns,omitempty"`
	EnterHoldBase int     `toml:"enter_hold_base,omitempty"`

	// WindupLimit bounds the integral term: whenever |iTerm| exceeds
	// WindupLimit*tc, WindupLimit DAC units are offloaded into the trim.
	WindupLimit float64 `toml:"windup_limit,omitempty"`
}

// FE5680A returns the measured calibration for the FE-5680A rubidium
// oscillator, 10 MHz output, serial tuning.
func FE5680A() Params {
	return Params{
		NominalFreq:       10e6,
		Gain:              1466 >> 2,
		StartGain:         (1466 >> 2) / 100.0,
		Damping:           1.75,
		QECompensation:    1.5,
		BitReduce:         2,
		DACSign:           1,
		ADCMidpoint:       1024,
		TCFast:            100,
		TCMed:             1800, // 0.5 hour
		TCSlow:            7200, // 2 hours
		StartExitPPS:      0.25,
		StartExitTicks:    60,
		StartExitPhaseNs:  20,
		StartTimeoutTicks: 600,
		HardPPSBound:      0.5,
		PromoteWithinNs:   5,
		PromoteTicksBase:  200,
		DemoteAtNs:        50,
		EnterHoldBase:     100,
		WindupLimit:       1000,
	}
}

// FE405 returns the measured calibration for the FE-405B variant. It runs at
// 15 MHz, needs different time constants and gain, and has no ready output.
func FE405() Params {
	return Params{
		NominalFreq:       15e6,
		Gain:              95238 >> 8,
		StartGain:         (95238 >> 8) / 100.0,
		Damping:           1.75,
		QECompensation:    1.5,
		BitReduce:         8,
		DACSign:           1,
		ADCMidpoint:       1024,
		TCFast:            100,
		TCMed:             900,  // 0.25 hour
		TCSlow:            1800, // 0.5 hour
		StartExitPPS:      0.25,
		StartExitTicks:    60,
		StartExitPhaseNs:  20,
		StartTimeoutTicks: 600,
		HardPPSBound:      0.5,
		PromoteWithinNs:   5,
		PromoteTicksBase:  200,
		DemoteAtNs:        50,
		EnterHoldBase:     100,
		WindupLimit:       1000,
	}
}

// VariantParams returns the built-in calibration table for a named oscillator
// variant.
func VariantParams(name string) (Params, bool) {
	switch name {
	case "fe5680a":
		return FE5680A(), true
	case "fe405":
		return FE405(), true
	}
	return Params{}, false
}

func (p Params) valid() bool {
	return p.NominalFreq > 0 &&
		p.Gain > 0 &&
		p.StartGain > 0 &&
		p.Damping > 0 &&
		(p.DACSign == 1 || p.DACSign == -1) &&
		p.TCFast >= 10 && p.TCMed >= p.TCFast && p.TCSlow >= p.TCMed &&
		p.StartExitTicks > 0 && p.StartTimeoutTicks >= p.StartExitTicks &&
		p.HardPPSBound > p.StartExitPPS &&
		p.PromoteTicksBase > 0 && p.EnterHoldBase > 0 &&
		p.WindupLimit > 0
}
