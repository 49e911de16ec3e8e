// Package at provides a low level driver for AT modems.
//
// The driver owns the transport. A single reader goroutine pumps lines from
// the modem; unsolicited result codes are routed to registered indication
// channels and everything else is delivered to the command in flight.
// Commands are serialised, so a late URC - such as a +CUSD response arriving
// seconds after its OK - can never interleave with another command's
// response.
package at

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// AT represents a modem that can be managed using AT commands.
//
// The AT closes the closed channel when the connection to the underlying
// modem is broken (Read returns an error). When closed, all outstanding
// commands return ErrClosed and the state of the underlying modem becomes
// unknown. Once closed the AT cannot be re-opened - it must be recreated.
type AT struct {
	cmdCh   chan func()
	indCh   chan func()
	closed  chan struct{}
	iLines  chan string
	cLines  chan string
	modem   io.ReadWriter
	inds    map[string]indication // only modified in urcLoop
	timeout time.Duration
}

// Option modifies an AT created by New.
type Option func(*AT)

// WithTimeout sets the timeout applied to commands issued with a context
// that carries no deadline of its own.
func WithTimeout(d time.Duration) Option {
	return func(a *AT) {
		a.timeout = d
	}
}

// New creates a new AT modem driver on the transport.
func New(modem io.ReadWriter, options ...Option) *AT {
	a := &AT{
		modem:  modem,
		cmdCh:  make(chan func()),
		indCh:  make(chan func()),
		iLines: make(chan string),
		cLines: make(chan string),
		closed: make(chan struct{}),
		inds:   make(map[string]indication),
	}
	for _, option := range options {
		option(a)
	}
	go lineReader(a.modem, a.iLines)
	go a.urcLoop(a.indCh, a.iLines, a.cLines)
	go cmdLoop(a.cmdCh, a.cLines, a.closed)
	return a
}

// Closed returns a channel which will block while the modem is not closed.
func (a *AT) Closed() <-chan struct{} {
	return a.closed
}

// Command issues the command to the modem and returns the result.
//
// The command should NOT include the AT prefix, or the <CR> suffix, which
// are added automatically. The return value includes the info lines (the
// lines returned by the modem between the command and the status line) and
// an error which is non-nil if the command did not complete successfully.
// On timeout the info lines captured so far are returned along with the
// context error - callers treat that as a soft failure.
func (a *AT) Command(ctx context.Context, cmd string) ([]string, error) {
	done := make(chan response)
	select {
	case <-a.closed:
		return nil, ErrClosed
	case a.cmdCh <- func() {
		done <- a.processReq(ctx, cmd)
	}:
		rsp := <-done
		return rsp.info, rsp.err
	}
}

// AddIndication adds a handler for a set of lines beginning with the
// prefixed line and the given number of trailing lines.
//
// Each set of lines is sent to the returned channel. The channel is closed
// when the AT closes.
func (a *AT) AddIndication(prefix string, trailingLines int) (<-chan []string, error) {
	done := make(chan chan []string)
	errs := make(chan error)
	select {
	case <-a.closed:
		return nil, ErrClosed
	case a.indCh <- func() {
		if _, ok := a.inds[prefix]; ok {
			errs <- ErrIndicationExists
			return
		}
		// The channel is buffered so a URC arriving while a command is in
		// flight does not stall the line pump before the handler next reads.
		i := indication{prefix, trailingLines + 1, make(chan []string, urcQueueDepth)}
		a.inds[prefix] = i
		done <- i.c
	}:
		select {
		case evtCh := <-done:
			return evtCh, nil
		case err := <-errs:
			return nil, err
		}
	}
}

// CancelIndication removes any indication corresponding to the prefix.
// If any such indication exists its channel is closed and no further
// indications will be sent to it.
func (a *AT) CancelIndication(prefix string) {
	done := make(chan struct{})
	select {
	case <-a.closed:
		return
	case a.indCh <- func() {
		i, ok := a.inds[prefix]
		if ok {
			close(i.c)
			delete(a.inds, prefix)
		}
		close(done)
	}:
		<-done
	}
}

// cmdLoop serialises the commands issued to the modem and reaps lines that
// arrive while no command is in flight.
// The cmdLoop terminates when the upstream closes.
func cmdLoop(cmds chan func(), in <-chan string, out chan struct{}) {
	for {
		select {
		case cmd := <-cmds:
			cmd()
		case _, ok := <-in:
			if !ok {
				close(out)
				return
			}
		}
	}
}

func lineReader(m io.Reader, out chan string) {
	scanner := bufio.NewScanner(m)
	for scanner.Scan() {
		out <- strings.TrimRight(scanner.Text(), "\r")
	}
	close(out) // tells the pipeline we're done - end of pipeline closes the AT
}

// urcLoop pulls indications from the stream of lines read from the modem
// and forwards them to their handlers. Non-indication lines are passed
// downstream. Indication trailing lines are assumed to arrive in a
// contiguous block immediately after the indication.
func (a *AT) urcLoop(cmds chan func(), in <-chan string, out chan string) {
	defer func() {
		for k, v := range a.inds {
			close(v.c)
			delete(a.inds, k)
		}
	}()
	for {
		select {
		case cmd := <-cmds:
			cmd()
		case line, ok := <-in:
			if !ok {
				close(out)
				return
			}
			if i, ok := a.indFor(line); ok {
				n := make([]string, i.totalLines)
				n[0] = line
				for t := 1; t < i.totalLines; t++ {
					l, ok := <-in
					if !ok {
						close(out)
						return
					}
					n[t] = l
				}
				i.c <- n
				continue
			}
			out <- line
		}
	}
}

func (a *AT) indFor(line string) (indication, bool) {
	for k, v := range a.inds {
		if strings.HasPrefix(line, k) {
			return v, true
		}
	}
	return indication{}, false
}

func (a *AT) processReq(ctx context.Context, cmd string) response {
	if _, ok := ctx.Deadline(); !ok && a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	a.drain()
	if err := a.writeCommand(cmd); err != nil {
		return response{err: err}
	}
	cmdID := parseCmdID(cmd)
	var rsp response // populated over potentially multiple lines from the modem
	for {
		select {
		case <-ctx.Done():
			rsp.err = ctx.Err()
			return rsp
		case line, ok := <-a.cLines:
			if !ok {
				rsp.err = ErrClosed
				return rsp
			}
			if line == "" {
				continue
			}
			info, done, err := processRxLine(line, cmdID)
			if info != nil {
				rsp.info = append(rsp.info, *info)
			}
			if err != nil {
				rsp.err = err
				return rsp
			}
			if done {
				return rsp
			}
		}
	}
}

// drain discards lines buffered from residual modem chatter before a new
// command is written.
func (a *AT) drain() {
	for {
		select {
		case _, ok := <-a.cLines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// processRxLine determines how a received line adds to the response of the
// command in flight.
// The return values are a line of info to be added to the response
// (optional), a flag indicating the command is complete, and an error
// detected while processing the command.
func processRxLine(line, cmdID string) (*string, bool, error) {
	switch parseRxLine(line, cmdID) {
	case rxlStatusOK:
		return nil, true, nil
	case rxlStatusError:
		return nil, true, newError(line)
	case rxlEchoCmdLine:
		return nil, false, nil
	default:
		return &line, false, nil
	}
}

// writeCommand writes a one line command to the modem.
func (a *AT) writeCommand(cmd string) error {
	_, err := a.modem.Write([]byte("AT" + cmd + "\r"))
	return err
}

// CMEError indicates a CME Error was returned by the modem.
// The value is the error value, in string form, which may be numeric or
// textual depending on the modem configuration.
type CMEError string

// CMSError indicates a CMS Error was returned by the modem.
// The value is the error value, in string form, which may be numeric or
// textual depending on the modem configuration.
type CMSError string

func (e CMEError) Error() string {
	return string("CME Error: " + e)
}

func (e CMSError) Error() string {
	return string("CMS Error: " + e)
}

var (
	// ErrClosed indicates an operation cannot be performed as the modem
	// has been closed.
	ErrClosed = errors.New("closed")
	// ErrError indicates the modem returned a generic AT ERROR in response
	// to an operation.
	ErrError = errors.New("ERROR")
	// ErrIndicationExists indicates there is already an indication
	// registered for a prefix.
	ErrIndicationExists = errors.New("indication exists")
)

// newError parses a line and creates an error corresponding to the content.
func newError(line string) error {
	var err error
	switch {
	case strings.HasPrefix(line, "ERROR"):
		err = ErrError
	case strings.HasPrefix(line, "+CMS ERROR:"):
		err = CMSError(strings.TrimSpace(line[11:]))
	case strings.HasPrefix(line, "+CME ERROR:"):
		err = CMEError(strings.TrimSpace(line[11:]))
	}
	return err
}

// response represents the result of a request operation performed on the
// modem.
// info is the collection of lines returned between the command and the
// status line. err corresponds to any error returned by the modem or
// while interacting with the modem.
type response struct {
	info []string
	err  error
}

// Received line types.
type rxl int

const (
	rxlUnknown rxl = iota
	rxlEchoCmdLine
	rxlInfo
	rxlStatusOK
	rxlStatusError
)

// urcQueueDepth bounds the URCs held for a handler that is busy, e.g.
// notifications arriving while the previous message is still being read.
const urcQueueDepth = 4

// indication represents an unsolicited result code (URC) from the modem,
// such as a received SMS message.
// Indications are lines prefixed with a particular pattern, and may include
// a number of trailing lines. The matching lines are bundled into a slice
// and sent to the channel.
type indication struct {
	prefix     string
	totalLines int
	c          chan []string
}

// parseCmdID returns the identifier component of the command.
// This is the section prior to any '=' or '?' and is generally, but not
// always, used to prefix info lines corresponding to the command.
func parseCmdID(cmdLine string) string {
	switch idx := strings.IndexAny(cmdLine, "=?"); idx {
	case -1:
		return cmdLine
	default:
		return cmdLine[0:idx]
	}
}

// parseRxLine parses a received line and identifies the line type.
func parseRxLine(line string, cmdID string) rxl {
	switch {
	case line == "OK":
		return rxlStatusOK
	case strings.HasPrefix(line, "ERROR"),
		strings.HasPrefix(line, "+CME ERROR:"),
		strings.HasPrefix(line, "+CMS ERROR:"):
		return rxlStatusError
	case strings.HasPrefix(line, cmdID+":"):
		return rxlInfo
	case strings.HasPrefix(line, "AT"+cmdID):
		return rxlEchoCmdLine
	default:
		// Includes multi-line info bodies, such as the text of an SMS
		// returned by +CMGR, which carry no prefix.
		return rxlUnknown
	}
}
