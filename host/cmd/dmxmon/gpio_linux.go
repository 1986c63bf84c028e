package main

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"piodmx/bank"
	"piodmx/host/config"
	"piodmx/host/gpio"
	"piodmx/protocol"
	"piodmx/softpio"
)

const (
	pollInterval  = time.Millisecond
	statsInterval = time.Second
)

// runGPIO decodes the line in software with one receiver per window.
func runGPIO(ctx context.Context, cfg *config.Config, logger *log.Logger, handle func(protocol.Report)) error {
	rev, err := cfg.MarkRevision()
	if err != nil {
		return err
	}

	drv := softpio.NewDriver()
	in, err := gpio.Open(gpio.Config{
		Chip:    cfg.GPIO.Chip,
		Line:    cfg.GPIO.Line,
		Latency: cfg.GPIO.Latency,
	}, drv)
	if err != nil {
		return err
	}
	defer in.Close()

	bk, err := bank.New(cfg.Bank(0, drv, rev))
	if err != nil {
		return err
	}
	defer bk.Close()
	if err := bk.Arm(); err != nil {
		return err
	}
	logger.Info("decoding", "chip", cfg.GPIO.Chip, "line", cfg.GPIO.Line, "receivers", bk.Len(), "revision", rev)

	go func() { _ = in.Run(ctx) }()

	sink := protocol.Sink(handle)
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	for {
		select {
		case <-poll.C:
			if _, err := bk.Poll(sink); err != nil {
				return err
			}
		case <-stats.C:
			_ = bk.ReportStats(sink)
			if late := in.Wire().Late(); late > 0 {
				logger.Debug("late edges", "count", late)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
