// Package supervisor runs the control loop that keeps one worker per
// discovered modem.
//
// Each scan tick reaps dead workers, enumerates the candidate serial
// ports, probes the free ones, and spawns a worker for every newly
// identified modem. A modem identity is served by at most one worker, and
// a port is owned by at most one session.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/tieucong/otpharvest/serial"
)

// Worker is a running modem session.
type Worker interface {
	// Run blocks until the worker stops. A non-nil error indicates the
	// worker died rather than being stopped.
	Run(ctx context.Context) error
}

// SessionFactory builds the worker that will own a probed port.
// It is bound once at startup and captures everything a session needs
// beyond its port and identity.
type SessionFactory interface {
	New(port, imei string) Worker
}

// Config carries the supervisor knobs.
type Config struct {
	// AllowPorts restricts scanning to the named ports. Empty scans all.
	AllowPorts []string
	// ScanInterval is the period between ticks.
	ScanInterval time.Duration
	// ProbeBackoffMax caps the retry backoff for ports that fail to probe.
	ProbeBackoffMax time.Duration
	// ListPorts enumerates candidate ports. Defaults to serial.ListPorts.
	ListPorts func(allow []string) ([]string, error)
	// Probe identifies the modem on a port, returning its IMEI.
	Probe func(ctx context.Context, port string) (string, error)
}

func (c *Config) setDefaults() {
	if c.ScanInterval == 0 {
		c.ScanInterval = 3 * time.Second
	}
	if c.ProbeBackoffMax == 0 {
		c.ProbeBackoffMax = 30 * time.Second
	}
	if c.ListPorts == nil {
		c.ListPorts = serial.ListPorts
	}
}

// handle tracks a spawned worker. done is closed when the worker's
// goroutine returns, which is the only liveness signal the supervisor
// consumes.
type handle struct {
	imei string
	port string
	done chan struct{}
}

func (h *handle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// probeState defers re-probing of a port that failed, so dead ports are
// not hammered on every scan.
type probeState struct {
	next time.Time
	b    *backoff.Backoff
}

// Supervisor owns the worker inventory. The inventory is only mutated by
// the Run loop; Stop is safe from any goroutine.
type Supervisor struct {
	cfg      Config
	factory  SessionFactory
	log      logrus.FieldLogger
	workers  map[string]*handle // keyed by IMEI
	probes   map[string]*probeState
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Supervisor.
func New(cfg Config, factory SessionFactory, log logrus.FieldLogger) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{
		cfg:     cfg,
		factory: factory,
		log:     log,
		workers: make(map[string]*handle),
		probes:  make(map[string]*probeState),
		stop:    make(chan struct{}),
	}
}

// Run executes scan ticks until Stop is called or the context is
// cancelled, then cancels the workers and waits for them to exit.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.log.WithFields(logrus.Fields{
		"ports": s.cfg.AllowPorts,
		"scan":  s.cfg.ScanInterval,
	}).Info("started")
	timer := time.NewTimer(0) // immediate first tick
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown(cancel)
			return ctx.Err()
		case <-s.stop:
			s.shutdown(cancel)
			return nil
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.cfg.ScanInterval)
		}
	}
}

// Stop requests a graceful stop. It is safe to call from any goroutine
// and may be called more than once.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Supervisor) shutdown(cancel context.CancelFunc) {
	cancel()
	s.wg.Wait()
	s.log.Info("stopped")
}

// tick runs one scan. Reaping precedes probing so the busy-port set is
// consistent within the tick.
func (s *Supervisor) tick(ctx context.Context) {
	s.reap()
	ports, err := s.cfg.ListPorts(s.cfg.AllowPorts)
	if err != nil {
		s.log.WithError(err).Warn("enumerate failed")
		return
	}
	busy := make(map[string]bool, len(s.workers))
	for _, h := range s.workers {
		busy[h.port] = true
	}
	for _, port := range ports {
		if busy[port] || !s.probeDue(port) {
			continue
		}
		imei, err := s.cfg.Probe(ctx, port)
		if err != nil {
			s.deferProbe(port)
			s.log.WithError(err).WithField("port", port).Debug("probe failed")
			continue
		}
		delete(s.probes, port)
		if h, ok := s.workers[imei]; ok {
			// modems often expose several AT channels; first answer wins
			s.log.WithFields(logrus.Fields{
				"imei":    imei,
				"port":    port,
				"serving": h.port,
			}).Warn("duplicate identity")
			continue
		}
		s.spawn(ctx, port, imei)
	}
}

func (s *Supervisor) reap() {
	for imei, h := range s.workers {
		if h.alive() {
			continue
		}
		s.log.WithFields(logrus.Fields{"imei": imei, "port": h.port}).Warn("worker dead")
		delete(s.workers, imei)
	}
}

func (s *Supervisor) probeDue(port string) bool {
	st, ok := s.probes[port]
	return !ok || !time.Now().Before(st.next)
}

func (s *Supervisor) deferProbe(port string) {
	st, ok := s.probes[port]
	if !ok {
		st = &probeState{b: &backoff.Backoff{
			Min: s.cfg.ScanInterval,
			Max: s.cfg.ProbeBackoffMax,
		}}
		s.probes[port] = st
	}
	st.next = time.Now().Add(st.b.Duration())
}

func (s *Supervisor) spawn(ctx context.Context, port, imei string) {
	h := &handle{imei: imei, port: port, done: make(chan struct{})}
	w := s.factory.New(port, imei)
	s.workers[imei] = h
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		log := s.log.WithFields(logrus.Fields{"imei": imei, "port": port})
		if err := w.Run(ctx); err != nil {
			log.WithError(err).Error("worker failed")
			return
		}
		log.Info("worker exited")
	}()
	s.log.WithFields(logrus.Fields{"imei": imei, "port": port}).Info("spawned worker")
}
