// SPDX-License-Identifier: MIT

package gsm

import (
	"context"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tieucong/otpharvest/at"
	"github.com/tieucong/otpharvest/trace"
)

var imeiRE = regexp.MustCompile(`\b(\d{14,17})\b`)

// Probe failures are all soft - the supervisor skips the port and retries
// on a later scan.
var (
	// ErrNotResponding indicates the port did not answer AT.
	ErrNotResponding = errors.New("no response to AT")
	// ErrNoIMEI indicates the modem reported no equipment identity.
	ErrNoIMEI = errors.New("no IMEI reported")
	// ErrNotSMSCapable indicates the modem cannot list SMS in text mode.
	ErrNotSMSCapable = errors.New("not SMS capable")
)

// ProbeConfig carries the probe knobs.
type ProbeConfig struct {
	// Dial opens the transport to the candidate port.
	Dial func() (io.ReadWriteCloser, error)
	// MaxWait bounds each probe command exchange.
	MaxWait time.Duration
	// Trace logs the raw byte flow on the transport.
	Trace bool
	Log   logrus.FieldLogger
}

// Probe determines whether the port hosts an SMS-capable modem, returning
// its IMEI when it does. The port is always released before returning.
func Probe(ctx context.Context, cfg ProbeConfig) (string, error) {
	rw, err := cfg.Dial()
	if err != nil {
		return "", errors.WithMessage(err, "open port")
	}
	defer rw.Close()
	var mio io.ReadWriter = rw
	if cfg.Trace && cfg.Log != nil {
		mio = trace.New(rw, cfg.Log)
	}
	maxWait := cfg.MaxWait
	if maxWait == 0 {
		maxWait = 1500 * time.Millisecond
	}
	a := at.New(mio, at.WithTimeout(maxWait))

	if _, err := a.Command(ctx, ""); err != nil {
		return "", ErrNotResponding
	}
	imei := imeiOf(ctx, a)
	if imei == "" {
		return "", ErrNoIMEI
	}
	if !smsCapable(ctx, a) {
		return "", ErrNotSMSCapable
	}
	if cfg.Log != nil && !ussdCapable(ctx, a) {
		cfg.Log.Debug("no USSD support")
	}
	return imei, nil
}

// imeiOf scans the +CGSN and +GSN responses for an equipment identity.
// The response is scanned even on a command error - some firmware reports
// the identity and then an ERROR status.
func imeiOf(ctx context.Context, a *at.AT) string {
	for _, cmd := range []string{"+CGSN", "+GSN"} {
		info, _ := a.Command(ctx, cmd)
		if m := imeiRE.FindString(strings.Join(info, "\n")); m != "" {
			return m
		}
	}
	return ""
}

func smsCapable(ctx context.Context, a *at.AT) bool {
	// echo and error reporting are advisory
	a.Command(ctx, "E0")
	a.Command(ctx, "+CMEE=2")
	if _, err := a.Command(ctx, "+CMGF=1"); err != nil {
		return false
	}
	a.Command(ctx, "+CPMS?")
	a.Command(ctx, `+CPMS="SM","SM","SM"`)
	info, err := a.Command(ctx, "+CMGL=?")
	if err != nil {
		return false
	}
	for _, l := range info {
		if strings.HasPrefix(l, "+CMGL:") {
			return true
		}
	}
	return false
}

func ussdCapable(ctx context.Context, a *at.AT) bool {
	if _, err := a.Command(ctx, "+CUSD=1"); err == nil {
		return true
	}
	_, err := a.Command(ctx, "+CUSD=?")
	return err == nil
}
