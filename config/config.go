// Package config loads the harvester configuration from the environment.
//
// A .env file in the working directory is honoured when present. All
// variables are optional; malformed numeric values and an unknown
// RECEIVE_MODE are configuration errors and abort startup. Boolean values
// read as true for 1/true/yes/y/on (any case) and as false otherwise.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Receive modes.
const (
	ReceiveURC  = "urc"
	ReceivePoll = "poll"
)

// Config is the immutable process configuration.
type Config struct {
	// Ports is the allow-list of serial devices; empty scans all ports.
	Ports           []string
	Baud            int
	ScanInterval    time.Duration
	ProbeTimeout    time.Duration
	SerialTimeout   time.Duration
	PollInterval    time.Duration
	RedisURL        string
	OtpTTL          time.Duration
	KeyPrefix       string
	OtpRegex        string
	DeleteAfterRead bool
	ReceiveMode     string
	LogLevel        string
	LogFile         string
}

// Load reads the configuration from .env and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		Ports:           splitList(envStr("SERIAL_PORTS", "")),
		RedisURL:        envStr("REDIS_URL", "redis://localhost:6379/0"),
		KeyPrefix:       envStr("OTP_KEY_PREFIX", "otp:"),
		OtpRegex:        envStr("OTP_REGEX", `\b(\d{4,8})\b`),
		DeleteAfterRead: envBool("DELETE_AFTER_READ", true),
		ReceiveMode:     strings.ToLower(envStr("RECEIVE_MODE", ReceiveURC)),
		LogLevel:        envStr("LOG_LEVEL", "info"),
		LogFile:         envStr("LOG_FILE", "logs/app.log"),
	}
	var err error
	if c.Baud, err = envInt("BAUDRATE", 115200); err != nil {
		return nil, err
	}
	if c.ScanInterval, err = envSeconds("SCAN_INTERVAL_SECONDS", 3.0); err != nil {
		return nil, err
	}
	if c.ProbeTimeout, err = envSeconds("PROBE_TIMEOUT_SECONDS", 1.2); err != nil {
		return nil, err
	}
	if c.SerialTimeout, err = envSeconds("SERIAL_TIMEOUT_SECONDS", 2.0); err != nil {
		return nil, err
	}
	if c.PollInterval, err = envSeconds("POLL_INTERVAL_SECONDS", 2.0); err != nil {
		return nil, err
	}
	ttl, err := envInt("OTP_TTL_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	c.OtpTTL = time.Duration(ttl) * time.Second
	if c.ReceiveMode != ReceiveURC && c.ReceiveMode != ReceivePoll {
		return nil, errors.Errorf("invalid RECEIVE_MODE %q", c.ReceiveMode)
	}
	return c, nil
}

func splitList(raw string) []string {
	var list []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			list = append(list, p)
		}
	}
	return list
}

func envStr(key, def string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return v
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Errorf("invalid %s %q", key, v)
	}
	return i, nil
}

func envSeconds(key string, def float64) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return time.Duration(def * float64(time.Second)), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.Errorf("invalid %s %q", key, v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
