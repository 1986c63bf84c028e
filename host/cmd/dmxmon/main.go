// Command dmxmon prints the DMX512 slot windows captured by a bridge board
// on USB, or decoded in software from a GPIO line.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"piodmx/core"
	"piodmx/host/bridge"
	"piodmx/host/config"
	"piodmx/host/monitor"
	"piodmx/host/serial"
	"piodmx/protocol"
)

var (
	configPath = pflag.StringP("config", "c", "dmxmon.yaml", "Configuration file. Missing means defaults.")
	source     = pflag.StringP("source", "s", "", "Data source: serial or gpio.")
	device     = pflag.StringP("device", "d", "", "Serial device of the bridge board.")
	chip       = pflag.String("chip", "", "GPIO chip for the gpio source.")
	line       = pflag.Int("line", 0, "GPIO line offset for the gpio source.")
	slots      = pflag.IntSlice("slot", nil, "First slot of a receiver window. Repeat for more receivers.")
	basis      = pflag.Int("basis", 1, "Slot numbering: 1 counts from one, 0 from zero.")
	verbose    = pflag.BoolP("verbose", "v", false, "Log every report and receiver rebuild.")
	help       = pflag.BoolP("help", "h", false, "Display help text.")
)

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Prefix:          "dmxmon",
	})

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal("bad configuration", "err", err)
	}
	if cfg.Verbose {
		logger.SetLevel(log.DebugLevel)
		core.SetDebugWriter(func(s string) { logger.Debug(s) })
		core.SetDebugEnabled(true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stopped", "err", err)
		os.Exit(1)
	}
}

// loadConfig reads the file and applies the flags the user set.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	flags := pflag.CommandLine
	if flags.Changed("source") {
		cfg.Source = config.Source(*source)
	}
	if flags.Changed("device") {
		cfg.Serial.Device = *device
	}
	if flags.Changed("chip") {
		cfg.GPIO.Chip = *chip
	}
	if flags.Changed("line") {
		cfg.GPIO.Line = *line
	}
	if flags.Changed("slot") {
		cfg.Receivers = *slots
	}
	if flags.Changed("basis") {
		cfg.Basis = *basis
	}
	if *verbose {
		cfg.Verbose = true
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	mon := monitor.New(cfg.Stale)
	handle := func(r protocol.Report) {
		switch r.Kind {
		case protocol.KindHello:
			logger.Debug("hello", "version", r.Version, "receivers", r.Receivers)
		case protocol.KindFrame:
			if mon.Apply(r) {
				fmt.Println(monitor.Row(monitor.Window{Receiver: r.Receiver, Slot: r.Slot, Frame: r.Frame}))
			}
		case protocol.KindFault:
			mon.Apply(r)
			logger.Warn("broken frame", "rx", r.Receiver, "slot", r.Slot, "faults", r.Faults)
		case protocol.KindStats:
			mon.Apply(r)
			logger.Debug("stats", "rx", r.Receiver, "slot", r.Slot,
				"frames", r.Stats.Frames, "faults", r.Stats.Faults,
				"rebuilds", r.Stats.Rebuilds, "restarts", r.Stats.Restarts)
		}
	}

	if cfg.Stale > 0 {
		go watchStale(ctx, mon, cfg.Stale, logger)
	}

	switch cfg.Source {
	case config.SourceGPIO:
		return runGPIO(ctx, cfg, logger, handle)
	default:
		return runSerial(ctx, cfg, logger, handle)
	}
}

func runSerial(ctx context.Context, cfg *config.Config, logger *log.Logger, handle func(protocol.Report)) error {
	sc := serial.DefaultConfig(cfg.Serial.Device)
	sc.Baud = cfg.Serial.Baud

	b, err := bridge.Open(ctx, sc)
	if err != nil {
		return err
	}
	defer b.Close()

	info := b.Info()
	logger.Info("connected", "device", sc.Device, "version", info.Version, "receivers", info.Receivers)
	if info.Receivers != len(cfg.Receivers) {
		logger.Warn("board runs a different receiver layout", "board", info.Receivers, "config", len(cfg.Receivers))
	}

	err = b.Run(ctx, handle)
	st := b.Stats()
	logger.Info("link", "reports", st.Reports, "resyncs", st.Resyncs, "dropped", st.Dropped, "invalid", st.Invalid)
	return err
}

func watchStale(ctx context.Context, mon *monitor.Monitor, stale time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(stale / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, w := range mon.Expire() {
				logger.Warn("no frames", "rx", w.Receiver, "slot", w.Slot, "for", stale)
			}
		case <-ctx.Done():
			return
		}
	}
}
