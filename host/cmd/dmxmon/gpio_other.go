//go:build !linux

package main

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"

	"piodmx/host/config"
	"piodmx/protocol"
)

func runGPIO(context.Context, *config.Config, *log.Logger, func(protocol.Report)) error {
	return errors.New("the gpio source needs Linux")
}
