// GPS-disciplined rubidium oscillator controller

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"periph.io/x/conn/v3/driver/driverreg"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"example.com/gpsdo/benchmark"

	"example.com/gpsdo/core/discipline"
	gnssmon "example.com/gpsdo/core/gnss"
	"example.com/gpsdo/core/sync"
	"example.com/gpsdo/core/timebase"

	"example.com/gpsdo/driver/fe"
	"example.com/gpsdo/driver/gnss"
	"example.com/gpsdo/driver/timecard"
	"example.com/gpsdo/driver/watchdog"
)

const defaultGNSSBaudRate = 9600

type svcConfig struct {
	Oscillator         string            `toml:"oscillator,omitempty"`
	OscillatorPort     string            `toml:"oscillator_port,omitempty"`
	OscillatorReadyPin string            `toml:"oscillator_ready_pin,omitempty"`
	GNSSPort           string            `toml:"gnss_port,omitempty"`
	GNSSBaudRate       int               `toml:"gnss_baud_rate,omitempty"`
	CaptureDevice      string            `toml:"capture_device,omitempty"`
	WatchdogDevice     string            `toml:"watchdog_device,omitempty"`
	MetricsAddr        string            `toml:"metrics_address,omitempty"`
	Calibration        discipline.Params `toml:"calibration,omitempty"`
}

var (
	log *zap.Logger
)

func initLogger(verbose bool) {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	c.EncoderConfig.EncodeCaller = func(
		caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		p := caller.TrimmedPath()
		if len(p) > 30 {
			p = "..." + p[len(p)-27:]
		}
		enc.AppendString(fmt.Sprintf("%30s", p))
	}
	if !verbose {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	var err error
	log, err = c.Build()
	if err != nil {
		panic(err)
	}
}

func runMonitor(log *zap.Logger, addr string) {
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	http.Handle("/metrics", promhttp.Handler())
	err := http.ListenAndServe(addr, nil)
	log.Fatal("failed to serve metrics", zap.Error(err))
}

func loadConfig(configFile string) (svcConfig, discipline.Params) {
	raw, err := os.ReadFile(configFile)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	var cfg svcConfig
	err = toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields().Decode(&cfg)
	if err != nil {
		log.Fatal("failed to decode configuration", zap.Error(err))
	}
	if cfg.Oscillator == "" {
		log.Fatal("oscillator not specified in config")
	}
	params, ok := discipline.VariantParams(cfg.Oscillator)
	if !ok {
		log.Fatal("unknown oscillator variant", zap.String("oscillator", cfg.Oscillator))
	}
	// A second pass overlays any [calibration] values onto the variant's
	// defaults; absent keys keep the measured constants.
	overlay := struct {
		Calibration *discipline.Params `toml:"calibration"`
	}{&params}
	err = toml.Unmarshal(raw, &overlay)
	if err != nil {
		log.Fatal("failed to decode calibration overrides", zap.Error(err))
	}
	return cfg, params
}

func readyPin(name string) gpio.PinIO {
	if name == "" {
		return nil
	}
	if _, err := driverreg.Init(); err != nil {
		log.Fatal("failed to initialize gpio drivers", zap.Error(err))
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		log.Fatal("ready pin not found", zap.String("pin", name))
	}
	if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		log.Fatal("failed to configure ready pin", zap.Error(err))
	}
	return pin
}

func runGPSDO(configFile string) {
	cfg, params := loadConfig(configFile)

	if cfg.OscillatorPort == "" {
		log.Fatal("oscillator_port not specified in config")
	}
	if cfg.GNSSPort == "" {
		log.Fatal("gnss_port not specified in config")
	}
	if cfg.CaptureDevice == "" {
		log.Fatal("capture_device not specified in config")
	}

	engine := discipline.NewEngine(log, params)
	monitor := gnssmon.NewMonitor(log)
	var cell timebase.Cell

	osc, err := fe.Open(log, cfg.OscillatorPort, fe.DeviceConfig{
		BitReduce: params.BitReduce,
		ReadyPin:  readyPin(cfg.OscillatorReadyPin),
	})
	if err != nil {
		log.Fatal("failed to open oscillator", zap.Error(err))
	}
	defer osc.Close()

	baudRate := cfg.GNSSBaudRate
	if baudRate == 0 {
		baudRate = defaultGNSSBaudRate
	}
	lines, err := gnss.Open(log, cfg.GNSSPort, baudRate, monitor.HandleLine)
	if err != nil {
		log.Fatal("failed to open gnss receiver", zap.Error(err))
	}
	defer lines.Close()

	captures, err := timecard.Open(log, cfg.CaptureDevice, &cell, monitor)
	if err != nil {
		log.Fatal("failed to open capture device", zap.Error(err))
	}
	defer captures.Close()

	svc := sync.Service{
		Log:    log,
		Engine: engine,
		Cell:   &cell,
		GPS:    monitor,
		Osc:    osc,
	}
	if cfg.WatchdogDevice != "" {
		dog, err := watchdog.Open(log, cfg.WatchdogDevice)
		if err != nil {
			log.Fatal("failed to open watchdog", zap.Error(err))
		}
		defer dog.Close()
		svc.Dog = dog
	}

	ctx := context.Background()
	go func() {
		err := lines.Run(ctx)
		log.Fatal("gnss line source stopped", zap.Error(err))
	}()
	go func() {
		err := captures.Run(ctx)
		log.Fatal("capture source stopped", zap.Error(err))
	}()
	go func() {
		err := svc.Run(ctx)
		log.Fatal("disciplining loop stopped", zap.Error(err))
	}()

	runMonitor(log, cfg.MetricsAddr)
}

func exitWithUsage() {
	fmt.Println("usage: gpsdo run -config <file> [-verbose]")
	fmt.Println("       gpsdo benchmark [-seconds <n>] [-offset-ppb <f>] [-noise-ns <f>]")
	os.Exit(1)
}

func main() {
	var (
		verbose    bool
		configFile string
		seconds    int
		offsetPPB  float64
		noiseNs    float64
	)

	runFlags := flag.NewFlagSet("run", flag.ExitOnError)
	benchmarkFlags := flag.NewFlagSet("benchmark", flag.ExitOnError)

	runFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	runFlags.StringVar(&configFile, "config", "", "Config file")

	benchmarkFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	benchmarkFlags.IntVar(&seconds, "seconds", 86400, "Simulated seconds")
	benchmarkFlags.Float64Var(&offsetPPB, "offset-ppb", 40, "Free-running frequency offset")
	benchmarkFlags.Float64Var(&noiseNs, "noise-ns", 4, "Phase measurement noise")

	if len(os.Args) < 2 {
		exitWithUsage()
	}

	switch os.Args[1] {
	case runFlags.Name():
		err := runFlags.Parse(os.Args[2:])
		if err != nil || runFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		initLogger(verbose)
		runGPSDO(configFile)
	case benchmarkFlags.Name():
		err := benchmarkFlags.Parse(os.Args[2:])
		if err != nil || benchmarkFlags.NArg() != 0 {
			exitWithUsage()
		}
		initLogger(verbose)
		benchmark.RunDisciplineBenchmark(seconds, offsetPPB, noiseNs)
	default:
		exitWithUsage()
	}
}
