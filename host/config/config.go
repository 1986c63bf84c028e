// Package config loads the dmxmon configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"piodmx/bank"
	"piodmx/core"
)

// Source names where DMX data comes from
type Source string

const (
	SourceSerial Source = "serial" // a bridge board on USB
	SourceGPIO   Source = "gpio"   // a line on this machine, decoded in software
)

// Config is the whole file. Zero fields take their Default values.
type Config struct {
	Source Source `yaml:"source"`

	Serial SerialConfig `yaml:"serial"`
	GPIO   GPIOConfig   `yaml:"gpio"`

	// Receivers lists the first slot of each 16-slot window
	Receivers []int `yaml:"receivers"`

	// Basis is 0 or 1: how public slot numbers count
	Basis int `yaml:"basis"`

	// Revision is the MARK AFTER BREAK rule, "1990" or "1986"
	Revision string `yaml:"revision"`

	// Stale marks a window as stale when no frame arrived for this long
	Stale time.Duration `yaml:"stale"`

	Verbose bool `yaml:"verbose"`
}

type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type GPIOConfig struct {
	Chip    string        `yaml:"chip"`
	Line    int           `yaml:"line"`
	Latency time.Duration `yaml:"latency"`
}

func Default() *Config {
	return &Config{
		Source: SourceSerial,
		Serial: SerialConfig{
			Device: "/dev/ttyACM0",
			Baud:   115200,
		},
		GPIO: GPIOConfig{
			Chip:    "gpiochip0",
			Line:    17,
			Latency: 5 * time.Millisecond,
		},
		Receivers: []int{1},
		Basis:     1,
		Revision:  core.MarkRevision1990.String(),
		Stale:     time.Second,
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// MarkRevision parses Revision.
func (c *Config) MarkRevision() (core.MarkRevision, error) {
	switch c.Revision {
	case "", core.MarkRevision1990.String():
		return core.MarkRevision1990, nil
	case core.MarkRevision1986.String():
		return core.MarkRevision1986, nil
	}
	return 0, fmt.Errorf("revision %q: want %s or %s", c.Revision,
		core.MarkRevision1990, core.MarkRevision1986)
}

// Validate checks every field, including that each receiver slot is a
// legal window start.
func (c *Config) Validate() error {
	switch c.Source {
	case SourceSerial:
		if c.Serial.Device == "" {
			return errors.New("serial.device is empty")
		}
	case SourceGPIO:
		if c.GPIO.Chip == "" {
			return errors.New("gpio.chip is empty")
		}
		if c.GPIO.Line < 0 {
			return fmt.Errorf("gpio.line %d is negative", c.GPIO.Line)
		}
	default:
		return fmt.Errorf("source %q: want %s or %s", c.Source, SourceSerial, SourceGPIO)
	}

	if c.Basis != 0 && c.Basis != 1 {
		return fmt.Errorf("basis %d: want 0 or 1", c.Basis)
	}
	rev, err := c.MarkRevision()
	if err != nil {
		return err
	}
	if c.Stale < 0 {
		return fmt.Errorf("stale %v is negative", c.Stale)
	}

	_, err = bank.New(c.Bank(0, nil, rev))
	return err
}

// Bank returns the receiver layout for a bank on pin.
func (c *Config) Bank(pin core.GPIOPin, drv core.SequencerDriver, rev core.MarkRevision) bank.Config {
	return bank.Config{
		Pin:      pin,
		Slots:    c.Receivers,
		OneBased: c.Basis == 1,
		Revision: rev,
		Driver:   drv,
	}
}
