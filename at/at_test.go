/*
	  Test suite for the at module.

		Note that these tests provide a mockModem which does not attempt to
		emulate a serial modem, but which provides responses required to
		exercise at.go. So, while the commands may follow the structure of the
		AT protocol they most certainly are not AT commands - just patterns
		that elicit the behaviour required for the test.
*/
package at

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	mm := mockModem{cmdSet: nil, r: make(chan []byte, 10)}
	defer teardownModem(&mm)
	a := New(&mm)
	if a == nil {
		t.Fatal("New failed")
	}
	select {
	case <-a.Closed():
		t.Error("modem closed")
	default:
	}
}

func TestCommand(t *testing.T) {
	cmdSet := map[string][]string{
		"AT\r":       {"\r\nOK\r\n"},
		"ATPASS\r":   {"\r\nOK\r\n"},
		"ATINFO=1\r": {"\r\ninfo1\r\ninfo2\r\nINFO: info3\r\n\r\nOK\r\n"},
		"ATCMS\r":    {"\r\n+CMS ERROR: 204\r\n"},
		"ATCME\r":    {"\r\n+CME ERROR: 42\r\n"},
	}
	m, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	background := context.Background()
	cancelled, cancel := context.WithCancel(background)
	cancel()
	timeout, tcancel := context.WithTimeout(background, 0)
	defer tcancel()
	patterns := []struct {
		name    string
		ctx     context.Context
		cmd     string
		mutator func()
		info    []string
		err     error
	}{
		{"empty", background, "", nil, nil, nil},
		{"pass", background, "PASS", nil, nil, nil},
		{"info", background, "INFO=1", nil, []string{"info1", "info2", "INFO: info3"}, nil},
		{"err", background, "ERR", nil, nil, ErrError},
		{"cms", background, "CMS", nil, nil, CMSError("204")},
		{"cme", background, "CME", nil, nil, CMEError("42")},
		{"echo swallowed", background, "INFO=1", func() { mm.echo = true }, []string{"info1", "info2", "INFO: info3"}, nil},
		{"timeout", timeout, "", nil, nil, context.DeadlineExceeded},
		{"cancelled", cancelled, "", func() {
			m, mm = setupModem(t, cmdSet)
		}, nil, context.Canceled},
		{"write error", background, "PASS", func() {
			m, mm = setupModem(t, cmdSet)
			mm.errOnWrite = true
		}, nil, errors.New("write error")},
		{"closed before response", background, "NULL", func() {
			m, mm = setupModem(t, cmdSet)
			mm.closeOnWrite = true
		}, nil, ErrClosed},
		{"closed before request", background, "PASS", func() { mm.Close(); <-m.Closed() }, nil, ErrClosed},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			if p.mutator != nil {
				p.mutator()
			}
			info, err := m.Command(p.ctx, p.cmd)
			assert.Equal(t, p.err, err)
			assert.Equal(t, p.info, info)
		}
		t.Run(p.name, f)
	}
}

func TestCommandDefaultTimeout(t *testing.T) {
	cmdSet := map[string][]string{
		"ATPART\r": {"\r\npartial\r\n"}, // no status line ever arrives
	}
	mm := &mockModem{cmdSet: cmdSet, r: make(chan []byte, 10)}
	defer teardownModem(mm)
	a := New(mm, WithTimeout(50*time.Millisecond))
	info, err := a.Command(context.Background(), "PART")
	assert.Equal(t, context.DeadlineExceeded, err)
	// the info captured before the timeout is still returned
	assert.Equal(t, []string{"partial"}, info)
}

func TestCommandClosedIdle(t *testing.T) {
	// closure while the command loop is idle
	m, mm := setupModem(t, nil)
	defer teardownModem(mm)
	mm.Close()
	select {
	case <-m.Closed():
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for modem to close")
	}
}

func TestAddIndication(t *testing.T) {
	m, mm := setupModem(t, nil)
	defer teardownModem(mm)

	c, err := m.AddIndication("+NOTIFY:", 0)
	assert.Nil(t, err)
	if c == nil {
		t.Fatal("didn't return channel")
	}
	select {
	case n := <-c:
		t.Errorf("got notification without line: %v", n)
	default:
	}
	mm.r <- []byte("\r\n+NOTIFY: :yfiton\r\n")
	select {
	case n := <-c:
		assert.Equal(t, []string{"+NOTIFY: :yfiton"}, n)
	case <-time.After(100 * time.Millisecond):
		t.Error("no notification")
	}
	// a second registration for the same prefix is rejected
	c2, err := m.AddIndication("+NOTIFY:", 0)
	assert.Equal(t, ErrIndicationExists, err)
	assert.Nil(t, c2)

	// trailing lines are bundled with the indication
	c2, err = m.AddIndication("+FOO:", 2)
	assert.Nil(t, err)
	mm.r <- []byte("\r\n+FOO: foo\r\nbar\r\nbaz\r\n")
	select {
	case n := <-c2:
		assert.Equal(t, []string{"+FOO: foo", "bar", "baz"}, n)
	case <-time.After(100 * time.Millisecond):
		t.Error("no notification")
	}

	mm.Close()
	select {
	case <-c:
	case <-time.After(100 * time.Millisecond):
		t.Error("channel still open")
	}
	c2, err = m.AddIndication("foo", 2)
	assert.Equal(t, ErrClosed, err)
	assert.Nil(t, c2)
}

func TestCancelIndication(t *testing.T) {
	m, mm := setupModem(t, nil)
	defer teardownModem(mm)

	c, err := m.AddIndication("+NOTIFY:", 0)
	assert.Nil(t, err)
	if c == nil {
		t.Fatal("didn't return channel")
	}
	m.CancelIndication("+NOTIFY:")
	select {
	case <-c:
	case <-time.After(100 * time.Millisecond):
		t.Error("channel still open")
	}
	mm.Close()
	// for coverage of cancel while closed
	m.CancelIndication("+NOTIFY:")
}

func TestIndicationDuringCommand(t *testing.T) {
	// a URC delivered between the command and its status line must not
	// pollute the command response.
	cmdSet := map[string][]string{
		"ATINFO=1\r": {"\r\ninfo1\r\n+NOTIFY: 42\r\nOK\r\n"},
	}
	m, mm := setupModem(t, cmdSet)
	defer teardownModem(mm)
	c, err := m.AddIndication("+NOTIFY:", 0)
	assert.Nil(t, err)
	info, err := m.Command(context.Background(), "INFO=1")
	assert.Nil(t, err)
	assert.Equal(t, []string{"info1"}, info)
	select {
	case n := <-c:
		assert.Equal(t, []string{"+NOTIFY: 42"}, n)
	case <-time.After(100 * time.Millisecond):
		t.Error("no notification")
	}
}

type mockModem struct {
	mu           sync.Mutex
	cmdSet       map[string][]string
	closeOnWrite bool
	errOnWrite   bool
	echo         bool
	closed       bool
	// The buffer emulating characters emitted by the modem.
	r chan []byte
}

func (m *mockModem) Read(p []byte) (n int, err error) {
	data, ok := <-m.r
	if data == nil {
		return 0, fmt.Errorf("closed")
	}
	copy(p, data) // assumes p is empty
	if !ok {
		return len(data), fmt.Errorf("closed with data")
	}
	return len(data), nil
}

func (m *mockModem) Write(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("closed")
	}
	if m.closeOnWrite {
		m.closeOnWrite = false
		m.close()
		return len(p), nil
	}
	if m.errOnWrite {
		return 0, errors.New("write error")
	}
	if m.echo {
		m.r <- p
	}
	v := m.cmdSet[string(p)]
	if len(v) == 0 {
		m.r <- []byte("\r\nERROR\r\n")
	} else {
		for _, l := range v {
			if len(l) == 0 {
				continue
			}
			m.r <- []byte(l)
		}
	}
	return len(p), nil
}

func (m *mockModem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.close()
	return nil
}

func (m *mockModem) close() {
	if !m.closed {
		m.closed = true
		close(m.r)
	}
}

func setupModem(t *testing.T, cmdSet map[string][]string) (*AT, *mockModem) {
	mm := &mockModem{cmdSet: cmdSet, r: make(chan []byte, 10)}
	a := New(mm)
	if a == nil {
		t.Fatal("new failed")
	}
	return a, mm
}

func teardownModem(m *mockModem) {
	m.Close()
}
