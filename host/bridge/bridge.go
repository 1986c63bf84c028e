// Package bridge talks to a DMX bridge board over its USB serial port.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"piodmx/host/serial"
	"piodmx/protocol"
)

// HelloTimeout bounds the handshake when the caller's context has no
// deadline. The firmware repeats its hello once a second.
const HelloTimeout = 3 * time.Second

var (
	ErrHandshake = errors.New("bridge: no hello from board")
	ErrVersion   = errors.New("bridge: incompatible report version")
)

// Info is what the board announced in its hello.
type Info struct {
	Version   string
	Receivers int
}

// Bridge is a connected board.
type Bridge struct {
	port   serial.Port
	stream *protocol.Stream
	info   Info

	// reports that arrived before the hello
	skipped int
}

// Open opens the serial port and waits for the board's hello.
func Open(ctx context.Context, cfg *serial.Config) (*Bridge, error) {
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	return New(ctx, port)
}

// New takes ownership of port and performs the handshake. The port is
// closed if the handshake fails.
func New(ctx context.Context, port serial.Port) (*Bridge, error) {
	// drop whatever queued up while nobody was listening
	_ = port.Flush()

	b := &Bridge{
		port:   port,
		stream: protocol.NewStream(port),
	}
	if err := b.handshake(ctx); err != nil {
		_ = b.stream.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bridge) handshake(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, HelloTimeout)
		defer cancel()
	}

	for {
		select {
		case r, ok := <-b.stream.Reports():
			if !ok {
				err := b.stream.Err()
				if err == nil {
					err = io.ErrUnexpectedEOF
				}
				return fmt.Errorf("%w: %w", ErrHandshake, err)
			}
			if r.Kind != protocol.KindHello {
				b.skipped++
				continue
			}
			if major(r.Version) != major(protocol.Version) {
				return fmt.Errorf("%w: board %s, host %s", ErrVersion, r.Version, protocol.Version)
			}
			b.info = Info{Version: r.Version, Receivers: r.Receivers}
			return nil

		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrHandshake, ctx.Err())
		}
	}
}

func major(v string) string {
	m, _, _ := strings.Cut(v, ".")
	return m
}

func (b *Bridge) Info() Info {
	return b.info
}

// Reports delivers everything after the hello, repeated hellos included.
// The channel closes when the port does.
func (b *Bridge) Reports() <-chan protocol.Report {
	return b.stream.Reports()
}

// Run feeds reports to fn until ctx is done or the port closes. A closed
// port returns the read error that ended it, or nil on a clean EOF.
func (b *Bridge) Run(ctx context.Context, fn func(protocol.Report)) error {
	for {
		select {
		case r, ok := <-b.stream.Reports():
			if !ok {
				return b.stream.Err()
			}
			fn(r)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns link counters of the decoder.
func (b *Bridge) Stats() protocol.DecoderStats {
	return b.stream.Stats()
}

func (b *Bridge) Close() error {
	return b.stream.Close()
}
