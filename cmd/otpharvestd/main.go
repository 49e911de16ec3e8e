// otpharvestd watches the host's serial ports for GSM modems and harvests
// one-time passwords from the SMS they receive into a shared Redis cache.
//
// All configuration comes from the environment (see the config package);
// the process shuts down cleanly on SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tieucong/otpharvest/cache"
	"github.com/tieucong/otpharvest/config"
	"github.com/tieucong/otpharvest/gsm"
	"github.com/tieucong/otpharvest/serial"
	"github.com/tieucong/otpharvest/sms"
	"github.com/tieucong/otpharvest/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	log := newLogger(cfg)

	store, err := cache.NewRedis(cfg.RedisURL, cfg.OtpTTL, cfg.KeyPrefix,
		log.WithField("component", "cache"))
	if err != nil {
		log.WithError(err).Error("invalid redis url")
		os.Exit(1)
	}
	defer store.Close()

	f := &sessionFactory{
		cfg:       cfg,
		extractor: sms.NewExtractor(cfg.OtpRegex),
		store:     store,
		log:       log,
		trace:     log.IsLevelEnabled(logrus.DebugLevel),
	}
	sup := supervisor.New(supervisor.Config{
		AllowPorts:   cfg.Ports,
		ScanInterval: cfg.ScanInterval,
		Probe:        f.probe,
	}, f, log.WithField("component", "supervisor"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("shutting down")
		sup.Stop()
	}()

	if err := sup.Run(context.Background()); err != nil {
		log.WithError(err).Error("supervisor failed")
		os.Exit(1)
	}
}

// sessionFactory binds the configuration to the sessions and probes the
// supervisor dispatches.
type sessionFactory struct {
	cfg       *config.Config
	extractor *sms.Extractor
	store     cache.Cache
	log       *logrus.Logger
	trace     bool
}

func (f *sessionFactory) dialer(port string) func() (io.ReadWriteCloser, error) {
	return func() (io.ReadWriteCloser, error) {
		return serial.New(serial.WithPort(port), serial.WithBaud(f.cfg.Baud))
	}
}

func (f *sessionFactory) New(port, imei string) supervisor.Worker {
	return gsm.NewSession(port, imei, gsm.SessionConfig{
		Dial:            f.dialer(port),
		CommandTimeout:  f.cfg.SerialTimeout,
		PollInterval:    f.cfg.PollInterval,
		DeleteAfterRead: f.cfg.DeleteAfterRead,
		Poll:            f.cfg.ReceiveMode == config.ReceivePoll,
		Trace:           f.trace,
	}, f.extractor, f.store, f.log)
}

func (f *sessionFactory) probe(ctx context.Context, port string) (string, error) {
	return gsm.Probe(ctx, gsm.ProbeConfig{
		Dial:    f.dialer(port),
		MaxWait: f.cfg.ProbeTimeout,
		Trace:   f.trace,
		Log:     f.log.WithField("port", port),
	})
}

// newLogger configures level and output from the environment. Output goes
// to stderr, and additionally to the log file when it can be opened.
func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err == nil {
			f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				log.SetOutput(io.MultiWriter(os.Stderr, f))
			}
		}
	}
	return log
}
