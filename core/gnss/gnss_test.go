package gnss_test

import (
	"testing"

	"go.uber.org/zap"

	"example.com/gpsdo/core/gnss"
)

func TestFixValid(t *testing.T) {
	tests := []struct {
		name string
		line string
		want bool
	}{
		{
			name: "3D fix",
			line: "$GPGSA,A,3,02,06,12,24,25,29,,,,,,,1.61,1.33,0.90*01",
			want: true,
		},
		{
			name: "2D fix",
			line: "$GPGSA,A,2,02,06,12,24,,,,,,,,,2.5,1.9,1.7*3B",
			want: true,
		},
		{
			name: "No fix",
			line: "$GPGSA,A,1,,,,,,,,,,,,,99.9,99.9,99.9*09",
			want: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := gnss.NewMonitor(zap.NewNop())
			m.HandleLine(tc.line)
			if m.FixValid() != tc.want {
				t.Errorf("FixValid() = %v, want %v", m.FixValid(), tc.want)
			}
		})
	}
}

func TestFixValidCleared(t *testing.T) {
	m := gnss.NewMonitor(zap.NewNop())
	m.HandleLine("$GPGSA,A,3,02,06,12,24,25,29,,,,,,,1.61,1.33,0.90*01")
	if !m.FixValid() {
		t.Fatal("fix must be valid after 3D GSA")
	}
	m.HandleLine("$GPGSA,A,1,,,,,,,,,,,,,99.9,99.9,99.9*09")
	if m.FixValid() {
		t.Error("fix must be invalid after no-fix GSA")
	}
}

func TestBadChecksumLeavesStateUnchanged(t *testing.T) {
	m := gnss.NewMonitor(zap.NewNop())
	m.HandleLine("$GPGSA,A,3,02,06,12,24,25,29,,,,,,,1.61,1.33,0.90*01")
	m.HandleLine("$PSTI,00,2,0,5.8,,*3F")

	// Same sentences with the fix type and QE value altered but the original
	// checksums kept.
	m.HandleLine("$GPGSA,A,1,02,06,12,24,25,29,,,,,,,1.61,1.33,0.90*01")
	m.HandleLine("$PSTI,00,2,0,9.9,,*3F")

	if !m.FixValid() {
		t.Error("checksum-mismatched GSA must not change fix status")
	}
	qe, ok := m.TakeQuantizationError()
	if !ok || qe != "5.8" {
		t.Errorf("checksum-mismatched PSTI must not change QE latch, got %q/%v", qe, ok)
	}
}

func TestMalformedLinesDropped(t *testing.T) {
	lines := []string{
		"",
		"$",
		"$GPGSA*42",      // shorter than the minimum sentence
		"$GPGSA,A*2F",    // too few fields
		"$GPGSA,A,3*30",  // fix type present but truncated sentence is fine
		"GPGSA,A,3,02*xx",
		"$GPGSA,A,3,02,06,12,24,25,29,,,,,,,1.61,1.33,0.90",   // no checksum
		"$GPGSA,A,3,02,06,12,24,25,29,,,,,,,1.61,1.33,0.90*0", // truncated checksum
	}
	m := gnss.NewMonitor(zap.NewNop())
	for _, line := range lines {
		m.HandleLine(line)
	}
	if _, ok := m.TakeQuantizationError(); ok {
		t.Error("malformed lines must not latch a QE value")
	}
}

func TestQuantizationErrorLatch(t *testing.T) {
	m := gnss.NewMonitor(zap.NewNop())
	if _, ok := m.TakeQuantizationError(); ok {
		t.Fatal("no QE must be latched initially")
	}

	m.HandleLine("$PSTI,00,2,0,5.8,,*3F")
	qe, ok := m.TakeQuantizationError()
	if !ok || qe != "5.8" {
		t.Fatalf("TakeQuantizationError() = %q, %v; want \"5.8\", true", qe, ok)
	}
	if _, ok := m.TakeQuantizationError(); ok {
		t.Error("QE latch must be cleared by consumption")
	}
}

func TestQuantizationErrorZeroIsFresh(t *testing.T) {
	// A reported zero correction is distinguishable from no correction.
	m := gnss.NewMonitor(zap.NewNop())
	m.HandleLine("$PSTI,00,2,0,0,,*2C")
	qe, ok := m.TakeQuantizationError()
	if !ok || qe != "0" {
		t.Errorf("TakeQuantizationError() = %q, %v; want \"0\", true", qe, ok)
	}
}

func TestPulseMarkInvalidatesLatch(t *testing.T) {
	m := gnss.NewMonitor(zap.NewNop())
	m.HandleLine("$PSTI,00,2,0,-3.1,,*1D")
	m.PulseMark()
	if _, ok := m.TakeQuantizationError(); ok {
		t.Error("QE latched before a pulse must not survive the pulse")
	}
}

func TestQuantizationErrorOrdering(t *testing.T) {
	// A QE that arrives after two pulses refines the second pulse; the value
	// latched for the first pulse must have been discarded by the pulse mark.
	m := gnss.NewMonitor(zap.NewNop())

	m.PulseMark() // pulse 1
	m.HandleLine("$PSTI,00,2,0,5.8,,*3F")
	m.PulseMark() // pulse 2 arrives before the control tick consumed 5.8
	m.HandleLine("$PSTI,00,2,0,12.25,,*36")

	qe, ok := m.TakeQuantizationError()
	if !ok || qe != "12.25" {
		t.Errorf("second pulse must fuse the second QE value, got %q/%v", qe, ok)
	}
}

func TestRMCDiagnostics(t *testing.T) {
	m := gnss.NewMonitor(zap.NewNop())
	m.HandleLine("$GPRMC,172313.000,A,4916.4500,N,12311.1200,W,0.01,180.80,260516,,,D*72")
	tod, date := m.TimeOfDay()
	if tod != "172313" {
		t.Errorf("time of day = %q, want \"172313\"", tod)
	}
	if date != "260516" {
		t.Errorf("date = %q, want \"260516\"", date)
	}
}

func TestPDOPDiagnostics(t *testing.T) {
	m := gnss.NewMonitor(zap.NewNop())
	m.HandleLine("$GPGSA,A,3,02,06,12,24,25,29,,,,,,,1.61,1.33,0.90*01")
	if m.PDOP() != "1.61" {
		t.Errorf("PDOP = %q, want \"1.61\"", m.PDOP())
	}
}

func TestUnrecognizedSentenceIgnored(t *testing.T) {
	m := gnss.NewMonitor(zap.NewNop())
	m.HandleLine("$GPVTG,054.7,T,034.4,M,005.5,N,010.2,K*48")
	if m.FixValid() {
		t.Error("unrelated sentence must not change fix status")
	}
	if _, ok := m.TakeQuantizationError(); ok {
		t.Error("unrelated sentence must not latch a QE value")
	}
}
