package gnss

// Sentence handling for the timing receiver. Only three sentence shapes are
// consulted: GSA for fix validity, RMC for time-of-day diagnostics, and the
// proprietary PSTI,00 sentence carrying the PPS quantization error.

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// No sentence is shorter than "$GPGGA*xx".
const minSentenceLen = 9

const maxQELen = 5

// Monitor tracks the receiver state the control loop cares about: whether the
// fix is good enough to trust the PPS, and the latched quantization-error text
// for the most recent pulse. Sentences arrive from the line source goroutine;
// the control tick reads from another, so all state is guarded by a short
// critical section.
type Monitor struct {
	log *zap.Logger

	mu        sync.Mutex
	fixValid  bool
	qeText    string
	qeFresh   bool
	timeOfDay string
	date      string
	pdop      string
}

func NewMonitor(log *zap.Logger) *Monitor {
	return &Monitor{log: log}
}

// checksum computes the XOR of all bytes between the leading '$' and the '*'
// and returns it along with the index of the '*', or -1 if none was found
// early enough to leave room for the two checksum digits.
func checksum(line string) (byte, int) {
	var sum byte
	for i := 1; i < len(line); i++ {
		if line[i] == '*' {
			if i > len(line)-3 {
				return 0, -1
			}
			return sum, i
		}
		sum ^= line[i]
	}
	return 0, -1
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// skipCommas returns the text following the n-th comma after the current
// position, or "", false if the sentence has too few fields. Field widths
// vary, so offsets are always computed by counting delimiters.
func skipCommas(s string, n int) (string, bool) {
	for i := 0; i < n; i++ {
		j := strings.IndexByte(s, ',')
		if j < 0 {
			return "", false
		}
		s = s[j+1:]
	}
	return s, true
}

// field returns the text up to the next comma or checksum marker.
func field(s string) string {
	if j := strings.IndexAny(s, ",*"); j >= 0 {
		return s[:j]
	}
	return s
}

// HandleLine interprets one complete received line. Malformed or
// checksum-mismatched lines are dropped with no state change; that is routine
// under noisy reception and not worth more than a debug event.
func (m *Monitor) HandleLine(line string) {
	if len(line) < minSentenceLen || line[0] != '$' {
		return
	}
	sum, star := checksum(line)
	if star < 0 {
		return
	}
	hi, ok0 := hexDigit(line[star+1])
	lo, ok1 := hexDigit(line[star+2])
	if !ok0 || !ok1 || hi<<4|lo != sum {
		m.log.Debug("dropping sentence with bad checksum", zap.String("line", line))
		return
	}

	switch {
	case strings.HasPrefix(line, "$GPGSA"):
		m.handleGSA(line)
	case strings.HasPrefix(line, "$GPRMC"):
		m.handleRMC(line)
	case strings.HasPrefix(line, "$PSTI,00"):
		m.handlePSTI(line)
	}
}

// handleGSA extracts the fix type from the third field:
// $GPGSA,A,3,02,06,12,24,25,29,,,,,,,1.61,1.33,0.90*01
// Fix type '2' or '3' (2D/3D) marks the PPS as trustworthy. The PDOP field is
// kept for diagnostics only.
func (m *Monitor) handleGSA(line string) {
	s, ok := skipCommas(line, 2)
	if !ok {
		return
	}
	valid := s != "" && (s[0] == '2' || s[0] == '3')

	pdop := ""
	if p, ok := skipCommas(s, 13); ok {
		pdop = field(p)
	}

	m.mu.Lock()
	m.fixValid = valid
	if pdop != "" {
		m.pdop = pdop
	}
	m.mu.Unlock()
}

// handleRMC keeps the UTC time and date substrings for diagnostics:
// $GPRMC,172313.000,A,...,260516,,,D*74
// The control loop never consults them.
func (m *Monitor) handleRMC(line string) {
	s, ok := skipCommas(line, 1)
	if !ok {
		return
	}
	tod := field(s)
	if len(tod) > 6 {
		tod = tod[:6]
	}
	s, ok = skipCommas(s, 8)
	if !ok {
		return
	}
	date := field(s)
	if len(date) > 6 {
		date = date[:6]
	}

	m.mu.Lock()
	m.timeOfDay = tod
	m.date = date
	m.mu.Unlock()
}

// handlePSTI latches the quantization-error text from the fifth field:
// $PSTI,00,2,0,5.8,,*3F
// The value refines the pulse that preceded this sentence.
func (m *Monitor) handlePSTI(line string) {
	s, ok := skipCommas(line, 4)
	if !ok {
		return
	}
	qe := field(s)
	if len(qe) > maxQELen {
		qe = qe[:maxQELen]
	}

	m.mu.Lock()
	m.qeText = qe
	m.qeFresh = true
	m.mu.Unlock()
}

// FixValid reports whether the receiver currently claims a 2D or better fix.
func (m *Monitor) FixValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fixValid
}

// TakeQuantizationError consumes the latched quantization-error text. The
// second return value distinguishes a fresh value (possibly "0") from no value
// at all; a consumer must treat the two differently.
func (m *Monitor) TakeQuantizationError() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.qeFresh {
		return "", false
	}
	qe := m.qeText
	m.qeText = ""
	m.qeFresh = false
	return qe, true
}

// PulseMark invalidates any latched quantization error. The capture producer
// calls it on every PPS edge: a correction always pertains to the pulse
// immediately preceding its sentence, so a value still latched when the next
// pulse arrives must never be applied to that pulse.
func (m *Monitor) PulseMark() {
	m.mu.Lock()
	m.qeText = ""
	m.qeFresh = false
	m.mu.Unlock()
}

// TimeOfDay returns the last RMC UTC time and date substrings, for
// diagnostics.
func (m *Monitor) TimeOfDay() (tod, date string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeOfDay, m.date
}

// PDOP returns the last reported dilution-of-precision text, for diagnostics.
func (m *Monitor) PDOP() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pdop
}
