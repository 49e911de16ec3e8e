package sms

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/warthog618/sms/encoding/ucs2"
)

var (
	hexRE    = regexp.MustCompile(`^[0-9A-Fa-f]+$`)
	msisdnRE = regexp.MustCompile(`(0\d{9,10}|\+84\d{9})`)
)

// DecodeUCS2IfHex decodes s as hex-encoded UTF-16BE if it looks like the
// output of a modem in CSCS="UCS2" mode - a non-empty, even-length string
// of hex digits that decodes cleanly. Anything else is returned untouched.
func DecodeUCS2IfHex(s string) string {
	if s == "" || len(s)%2 != 0 || !hexRE.MatchString(s) {
		return s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return s
	}
	r, err := ucs2.Decode(b)
	if err != nil {
		return s
	}
	return string(r)
}

// NormalizeUSSD renders the text of a +CUSD response human readable.
//
// DCS values 8, 15 and 72 indicate UCS-2 hex payloads; for those the text
// is decoded before trimming.
func NormalizeUSSD(text string, dcs int) string {
	if text == "" {
		return ""
	}
	switch dcs {
	case 8, 15, 72:
		if hexRE.MatchString(text) {
			return strings.TrimSpace(DecodeUCS2IfHex(text))
		}
	}
	return strings.TrimSpace(text)
}

// ExtractMSISDN returns the first subscriber number found in text, or ""
// when there is none. Both local (0...) and +84 international forms are
// recognised.
func ExtractMSISDN(text string) string {
	return msisdnRE.FindString(text)
}
