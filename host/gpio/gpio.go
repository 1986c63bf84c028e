//go:build linux

// Package gpio feeds a Linux GPIO line into a software sequencer wire, so
// the DMX decoder can run on a host with the signal wired to a header pin.
//
// The kernel timestamps each edge with the monotonic clock. Edges are
// replayed onto the wire at their true times, and the wire's present trails
// the clock by Latency so that edges still in flight are not counted late.
package gpio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"golang.org/x/sys/unix"

	"piodmx/core"
	"piodmx/softpio"
)

const (
	DefaultLatency = 5 * time.Millisecond
	DefaultTick    = time.Millisecond

	consumer = "dmxmon"
)

// Config selects the input line
type Config struct {
	Chip    string // e.g. "gpiochip0"
	Line    int    // offset on the chip
	Pin     core.GPIOPin
	Latency time.Duration
	Tick    time.Duration
}

// Input is a requested line driving a wire.
type Input struct {
	cfg  Config
	line *gpiocdev.Line
	wire *softpio.Wire

	epoch time.Duration // monotonic time of wire cycle 0
	now   func() time.Duration
}

// Open requests the line for both-edge events and connects its wire to drv
// at cfg.Pin.
func Open(cfg Config, drv *softpio.Driver) (*Input, error) {
	if cfg.Chip == "" {
		return nil, errors.New("gpio: no chip")
	}
	if cfg.Latency <= 0 {
		cfg.Latency = DefaultLatency
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}

	in := newInput(cfg, monotonic)
	line, err := gpiocdev.RequestLine(cfg.Chip, cfg.Line,
		gpiocdev.AsInput,
		gpiocdev.WithBothEdges,
		gpiocdev.WithConsumer(consumer),
		gpiocdev.WithEventHandler(in.handle))
	if err != nil {
		return nil, fmt.Errorf("gpio: request %s line %d: %w", cfg.Chip, cfg.Line, err)
	}
	in.line = line

	v, err := line.Value()
	if err != nil {
		_ = line.Close()
		return nil, fmt.Errorf("gpio: read %s line %d: %w", cfg.Chip, cfg.Line, err)
	}
	if v == 0 {
		in.wire.Edge(0, false)
	}

	drv.Connect(cfg.Pin, in.wire)
	return in, nil
}

func newInput(cfg Config, now func() time.Duration) *Input {
	return &Input{
		cfg:   cfg,
		wire:  softpio.NewWire(),
		epoch: now(),
		now:   now,
	}
}

func monotonic() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return time.Duration(ts.Nano())
}

// cycles converts a monotonic timestamp to a wire time.
func (in *Input) cycles(ts time.Duration) uint64 {
	if ts <= in.epoch {
		return 0
	}
	return uint64((ts - in.epoch) / (time.Second / core.SequencerHz))
}

func (in *Input) handle(evt gpiocdev.LineEvent) {
	in.wire.Edge(in.cycles(evt.Timestamp), evt.Type == gpiocdev.LineEventRisingEdge)
}

// advance moves the wire's present up to the clock less the latency.
func (in *Input) advance() {
	in.wire.AdvanceTo(in.cycles(in.now() - in.cfg.Latency))
}

func (in *Input) Wire() *softpio.Wire {
	return in.wire
}

// Run keeps the wire's present moving until ctx is done. Without it the
// decoder only sees time pass when an edge arrives.
func (in *Input) Run(ctx context.Context) error {
	ticker := time.NewTicker(in.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			in.advance()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (in *Input) Close() error {
	if in.line == nil {
		return nil
	}
	return in.line.Close()
}
