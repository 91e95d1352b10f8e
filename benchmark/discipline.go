package benchmark

import (
	"log"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"example.com/gpsdo/core/discipline"
)

// RunDisciplineBenchmark drives the controller against a simulated oscillator
// for the given number of one-second ticks and prints percentiles of the
// steady-state phase error in picoseconds (second half of the run, after
// convergence). offsetPPB is the oscillator's free-running frequency error,
// noiseNs the standard deviation of the phase measurement noise.
func RunDisciplineBenchmark(seconds int, offsetPPB, noiseNs float64) {
	p := discipline.FE5680A()
	e := discipline.NewEngine(zap.NewNop(), p)
	rng := rand.New(rand.NewSource(1))
	hg := hdrhistogram.New(1, 1_000_000_000, 3)

	var (
		tuning   int64
		phaseNs  float64
		residual float64
	)

	t0 := time.Now()
	for i := 0; i < seconds; i++ {
		// The applied tuning shifts the frequency by 1/Gain ppb per reduced
		// DAC step; 1 ppb sustained for one second is 1 ns of phase.
		freqPPB := offsetPPB + float64(tuning)/p.Gain
		phaseNs += freqPPB
		measured := phaseNs + rng.NormFloat64()*noiseNs

		// The cycle counter only ever reports whole cycles; carry the
		// fraction across ticks the way a real counter does.
		residual += freqPPB * p.NominalFreq / 1e9
		intracycle := math.Round(residual)
		residual -= intracycle

		v, ok := e.Tick(discipline.Observation{
			PhaseErrNs: measured,
			Intracycle: int64(intracycle),
		})
		if ok {
			tuning = v
		}

		if i >= seconds/2 {
			ps := int64(math.Abs(measured) * 1000)
			if ps < 1 {
				ps = 1
			}
			if err := hg.RecordValue(ps); err != nil {
				log.Printf("Failed to record histogram value: %v", err)
				return
			}
		}
	}
	log.Printf("simulated %d s in %v, final mode %v, tuning %d",
		seconds, time.Since(t0), e.Mode(), tuning)
	hg.PercentilesPrint(os.Stdout, 1, 1.0)
}
