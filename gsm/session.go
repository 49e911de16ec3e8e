// SPDX-License-Identifier: MIT

// Package gsm implements the modem-facing half of the harvester: the probe
// that identifies SMS-capable modems, and the session that owns a port for
// the life of a worker, converting inbound SMS into cache entries.
package gsm

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tieucong/otpharvest/at"
	"github.com/tieucong/otpharvest/cache"
	"github.com/tieucong/otpharvest/sms"
	"github.com/tieucong/otpharvest/trace"
)

const (
	defaultUSSDCode = "*101#"
	defaultUSSDWait = 12 * time.Second
	cmgrWait        = 3 * time.Second
	cmglWait        = 4 * time.Second
)

// SessionConfig carries the per-session knobs bound once at startup.
type SessionConfig struct {
	// Dial opens the transport to the modem.
	Dial func() (io.ReadWriteCloser, error)
	// CommandTimeout bounds each AT command exchange that carries no
	// deadline of its own; message reads and listings use fixed 3 s and
	// 4 s bounds instead.
	CommandTimeout time.Duration
	// PollInterval is the listing period when Poll is set.
	PollInterval time.Duration
	// DeleteAfterRead removes each message from SIM storage once handled.
	DeleteAfterRead bool
	// Poll selects AT+CMGL polling instead of +CMTI delivery URCs, for
	// modems that drop +CMTI under load.
	Poll bool
	// USSDCode is the carrier's own-number query, dialled once at startup.
	USSDCode string
	// USSDWait bounds the wait for the +CUSD response, which routinely
	// arrives seconds after the command's OK.
	USSDWait time.Duration
	// Trace logs the raw byte flow on the transport.
	Trace bool
}

func (c *SessionConfig) setDefaults() {
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 2 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.USSDCode == "" {
		c.USSDCode = defaultUSSDCode
	}
	if c.USSDWait == 0 {
		c.USSDWait = defaultUSSDWait
	}
}

// Session owns one serial port and harvests the SMS its modem receives.
type Session struct {
	port  string
	imei  string
	cfg   SessionConfig
	otp   *sms.Extractor
	cache cache.Cache
	log   logrus.FieldLogger
}

// NewSession creates the worker session for a probed port.
func NewSession(port, imei string, cfg SessionConfig, otp *sms.Extractor, c cache.Cache, log logrus.FieldLogger) *Session {
	cfg.setDefaults()
	return &Session{
		port:  port,
		imei:  imei,
		cfg:   cfg,
		otp:   otp,
		cache: c,
		log:   log.WithFields(logrus.Fields{"port": port, "imei": imei}),
	}
}

// initCmds put the modem in text mode with UCS2 strings, SIM storage, and
// +CMTI delivery notifications. Individual failures are tolerated - some
// modems reject a setting yet still deliver SMS.
var initCmds = []string{
	"",
	"E0",
	"+CMEE=2",
	`+CSCS="UCS2"`,
	"+CMGF=1",
	`+CPMS="SM","SM","SM"`,
	"+CNMI=2,1,0,0,0",
}

// Run drives the session until the context is cancelled or the transport
// is lost. It blocks, and is intended to be the body of a worker
// goroutine.
func (s *Session) Run(ctx context.Context) error {
	rw, err := s.cfg.Dial()
	if err != nil {
		return errors.WithMessage(err, "open port")
	}
	defer rw.Close()
	var mio io.ReadWriter = rw
	if s.cfg.Trace {
		mio = trace.New(rw, s.log)
	}
	a := at.New(mio, at.WithTimeout(s.cfg.CommandTimeout))

	// Register for delivery notifications before the init sequence enables
	// them, so none can slip through unrouted.
	var cmti <-chan []string
	if !s.cfg.Poll {
		if cmti, err = a.AddIndication("+CMTI:", 0); err != nil {
			return err
		}
	}

	s.init(ctx, a)
	s.log.Info("connected")
	defer s.log.Info("stopped")

	msisdn := s.msisdn(ctx, a)
	if msisdn != "" {
		s.log.WithField("msisdn", msisdn).Info("subscriber number")
	}

	// Stored messages pre-date this worker and carry no usable reception
	// time, so clear them before listening.
	if _, err := a.Command(ctx, "+CMGD=1,4"); err != nil {
		s.log.WithError(err).Warn("delete all failed")
	}

	if s.cfg.Poll {
		return s.pollLoop(ctx, a, msisdn)
	}
	return s.listen(ctx, a, cmti, msisdn)
}

func (s *Session) init(ctx context.Context, a *at.AT) {
	for _, cmd := range initCmds {
		if _, err := a.Command(ctx, cmd); err != nil {
			s.log.WithError(err).WithField("cmd", "AT"+cmd).Warn("init command failed")
		}
	}
}

// msisdn discovers the SIM's own number, first by USSD and then via
// AT+CNUM. Either may come up empty; downstream tolerates that.
func (s *Session) msisdn(ctx context.Context, a *at.AT) string {
	if m := s.msisdnViaUSSD(ctx, a); m != "" {
		return m
	}
	info, err := a.Command(ctx, "+CNUM")
	if err != nil {
		return ""
	}
	return sms.ParseCNUM(strings.Join(info, "\n"))
}

func (s *Session) msisdnViaUSSD(ctx context.Context, a *at.AT) string {
	cusd, err := a.AddIndication("+CUSD:", 0)
	if err != nil {
		return ""
	}
	defer a.CancelIndication("+CUSD:")
	if _, err := a.Command(ctx, fmt.Sprintf(`+CUSD=1,"%s",15`, s.cfg.USSDCode)); err != nil {
		s.log.WithError(err).Debug("ussd query failed")
		return ""
	}
	select {
	case <-ctx.Done():
	case <-time.After(s.cfg.USSDWait):
		s.log.Debug("no ussd response")
	case i, ok := <-cusd:
		if !ok {
			return ""
		}
		u, err := sms.ParseCUSD(i[0])
		if err != nil {
			s.log.WithError(err).Debug("ussd parse failed")
			return ""
		}
		return sms.ExtractMSISDN(sms.NormalizeUSSD(u.Text, u.DCS))
	}
	return ""
}

// listen waits on +CMTI delivery notifications and reads each announced
// message. SMS are handled in the order their notifications arrive.
func (s *Session) listen(ctx context.Context, a *at.AT, cmti <-chan []string, msisdn string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case i, ok := <-cmti:
			if !ok {
				return at.ErrClosed
			}
			idx, err := sms.ParseCMTI(i[0])
			if err != nil {
				s.log.WithError(err).Warn("dropped notification")
				continue
			}
			s.handle(ctx, a, idx, msisdn)
		}
	}
}

// pollLoop lists unread messages on a fixed period instead of waiting for
// delivery notifications.
func (s *Session) pollLoop(ctx context.Context, a *at.AT, msisdn string) error {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.Closed():
			return at.ErrClosed
		case <-t.C:
			lctx, cancel := context.WithTimeout(ctx, cmglWait)
			info, err := a.Command(lctx, `+CMGL="REC UNREAD"`)
			cancel()
			if err != nil && len(info) == 0 {
				s.log.WithError(err).Debug("list failed")
				continue
			}
			for _, m := range sms.ParseCMGL(strings.Join(info, "\n")) {
				m.Text = sms.DecodeUCS2IfHex(m.Text)
				s.publish(ctx, m, msisdn)
				s.delete(ctx, a, m.Index)
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, a *at.AT, idx int, msisdn string) {
	rctx, cancel := context.WithTimeout(ctx, cmgrWait)
	info, err := a.Command(rctx, fmt.Sprintf("+CMGR=%d", idx))
	cancel()
	if err != nil && len(info) == 0 {
		s.log.WithError(err).WithField("index", idx).Warn("read failed")
		return
	}
	m, err := sms.ParseCMGR(strings.Join(info, "\n"), idx)
	if err != nil {
		s.log.WithError(err).WithField("index", idx).Warn("dropped message")
		return
	}
	s.publish(ctx, m, msisdn)
	s.delete(ctx, a, idx)
}

// publish extracts the OTP and stores the message keyed by sender.
// Messages without an OTP are logged and dropped.
func (s *Session) publish(ctx context.Context, m sms.Message, msisdn string) {
	code := s.otp.Extract(m.Text)
	if code == "" {
		s.log.WithFields(logrus.Fields{"sender": m.Sender, "index": m.Index}).Info("NO_OTP")
		return
	}
	s.cache.Put(ctx, m.Sender, cache.Message{
		OTP:        code,
		Sender:     m.Sender,
		Text:       m.Text,
		Timestamp:  m.Timestamp,
		ReceivedAt: time.Now().UTC(),
		Port:       s.port,
		IMEI:       s.imei,
		MSISDN:     msisdn,
		Index:      m.Index,
	})
	s.log.WithFields(logrus.Fields{"sender": m.Sender, "otp": code, "index": m.Index}).Info("PUSH")
}

func (s *Session) delete(ctx context.Context, a *at.AT, idx int) {
	if !s.cfg.DeleteAfterRead {
		return
	}
	if _, err := a.Command(ctx, fmt.Sprintf("+CMGD=%d", idx)); err != nil {
		s.log.WithError(err).WithField("index", idx).Warn("delete failed")
	}
}
