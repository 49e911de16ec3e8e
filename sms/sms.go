// Package sms implements the text-mode AT codec used by the harvester:
// framing of +CMGL/+CMGR/+CMTI/+CUSD/+CNUM responses, UCS-2 hex decoding,
// and MSISDN extraction.
//
// The functions are pure - they operate on the response text produced by
// the at driver and perform no I/O.
package sms

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Message is an SMS as stored on the modem.
type Message struct {
	Index     int
	Status    string // as reported, e.g. "REC UNREAD"
	Sender    string // possibly UCS-2 hex when the modem is in UCS2 mode
	Timestamp string // as reported, not parsed
	Text      string
}

// Ussd is a decoded +CUSD response.
// DCS is -1 when the modem omitted the data coding scheme.
type Ussd struct {
	Mode int
	Text string
	DCS  int
}

var (
	cmglRE = regexp.MustCompile(`^\+CMGL:\s*(\d+)\s*,\s*"([^"]*)"\s*,\s*"([^"]*)"\s*,\s*"([^"]*)"\s*,\s*"([^"]*)"\s*$`)
	cmgrRE = regexp.MustCompile(`^\+CMGR:\s*"([^"]*)"\s*,\s*"([^"]*)"\s*,.*"([^"]*)"\s*$`)
	cusdRE = regexp.MustCompile(`(?i)\+CUSD:\s*(\d+)\s*,\s*"([^"]*)"(?:\s*,\s*(\d+))?`)
	cnumRE = regexp.MustCompile(`(?i)\+CNUM:\s*(?:"[^"]*",)?\s*"?(\+?\d{8,15})"?`)
)

// ParseCMGL parses the response to an AT+CMGL list command.
//
// Each +CMGL header line opens a message; the following lines form its body
// until the next header or an OK/ERROR sentinel. Messages are returned in
// source order. Malformed header lines are skipped.
func ParseCMGL(text string) []Message {
	lines := strings.Split(text, "\n")
	var msgs []Message
	i := 0
	for i < len(lines) {
		line := strings.TrimRight(lines[i], "\r")
		if !strings.HasPrefix(line, "+CMGL:") {
			i++
			continue
		}
		m := cmglRE.FindStringSubmatch(line)
		if m == nil {
			i++
			continue
		}
		idx, _ := strconv.Atoi(m[1])
		j := i + 1
		var body []string
		for j < len(lines) {
			nl := strings.TrimRight(lines[j], "\r")
			if strings.HasPrefix(nl, "+CMGL:") || nl == "OK" || strings.HasPrefix(nl, "ERROR") {
				break
			}
			body = append(body, nl)
			j++
		}
		msgs = append(msgs, Message{
			Index:     idx,
			Status:    m[2],
			Sender:    m[3],
			Timestamp: m[5],
			Text:      strings.TrimSpace(strings.Join(body, "\n")),
		})
		i = j
	}
	return msgs
}

// ParseCMGR parses the response to an AT+CMGR read command for the message
// stored at idx.
//
// The header is the first non-empty line and the body the second. The body
// is UCS-2 hex decoded if, and only if, it is a non-empty string of hex
// digits of even length that decodes cleanly; the sender is stored as
// reported.
func ParseCMGR(text string, idx int) (Message, error) {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(strings.TrimRight(l, "\r"))
		if l == "" {
			continue
		}
		lines = append(lines, l)
		if len(lines) == 2 {
			break
		}
	}
	if len(lines) < 2 {
		return Message{}, errors.Errorf("short CMGR response: %q", text)
	}
	m := cmgrRE.FindStringSubmatch(lines[0])
	if m == nil {
		return Message{}, errors.Errorf("malformed CMGR header: %q", lines[0])
	}
	return Message{
		Index:     idx,
		Status:    m[1],
		Sender:    m[2],
		Timestamp: m[3],
		Text:      DecodeUCS2IfHex(lines[1]),
	}, nil
}

// ParseCMTI returns the storage index announced by a +CMTI delivery URC,
// e.g. `+CMTI: "SM",12`.
func ParseCMTI(line string) (int, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return 0, errors.Errorf("malformed CMTI: %q", line)
	}
	idx, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, errors.Errorf("malformed CMTI index: %q", line)
	}
	return idx, nil
}

// ParseCUSD parses a +CUSD response line.
func ParseCUSD(text string) (Ussd, error) {
	m := cusdRE.FindStringSubmatch(text)
	if m == nil {
		return Ussd{}, errors.Errorf("no CUSD in %q", text)
	}
	mode, _ := strconv.Atoi(m[1])
	u := Ussd{Mode: mode, Text: m[2], DCS: -1}
	if m[3] != "" {
		u.DCS, _ = strconv.Atoi(m[3])
	}
	return u, nil
}

// ParseCNUM returns the subscriber number from an AT+CNUM response, or ""
// when none is reported.
func ParseCNUM(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if m := cnumRE.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return m[1]
		}
	}
	return ""
}
