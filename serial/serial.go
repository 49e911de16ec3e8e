// SPDX-License-Identifier: MIT

// Package serial provides the byte transport between the harvester and a
// modem port, and enumeration of the candidate ports on the host.
package serial

import (
	"github.com/tarm/serial"
)

// Config contains the configuration of the serial port.
type Config struct {
	port string
	baud int
}

// Option modifies a Config.
type Option func(*Config)

// WithPort sets the device path of the port.
func WithPort(port string) Option {
	return func(c *Config) {
		c.port = port
	}
}

// WithBaud sets the baud rate of the port.
func WithBaud(baud int) Option {
	return func(c *Config) {
		c.baud = baud
	}
}

// New opens the serial port.
//
// Reads block until data arrives. Timeouts are applied per command by the
// AT driver layered on top; the session or probe that opened the port
// closes it on exit, which releases a blocked read.
func New(options ...Option) (*serial.Port, error) {
	c := defaultConfig
	for _, option := range options {
		option(&c)
	}
	p, err := serial.OpenPort(&serial.Config{Name: c.port, Baud: c.baud})
	if err != nil {
		return nil, err
	}
	return p, nil
}
