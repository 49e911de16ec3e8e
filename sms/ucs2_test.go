package sms

import (
	"encoding/hex"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
)

func utf16beDecode(t *testing.T, h string) string {
	b, err := hex.DecodeString(h)
	if err != nil {
		t.Fatalf("bad hex %q: %v", h, err)
	}
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return string(utf16.Decode(u))
}

func TestDecodeUCS2IfHex(t *testing.T) {
	hexPatterns := []struct {
		name string
		in   string
	}{
		{"ascii", "004D0061"},
		{"vietnamese", "004D00E3002000340038003200390031003300200063006F"},
		{"lowercase hex", "004d00e3"},
	}
	for _, p := range hexPatterns {
		f := func(t *testing.T) {
			// decodable hex is decoded as UTF-16BE
			assert.Equal(t, utf16beDecode(t, p.in), DecodeUCS2IfHex(p.in))
		}
		t.Run(p.name, f)
	}

	passPatterns := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"plain text", "Ma OTP: 482913"},
		{"odd length hex", "004D0"},
		{"digits not ucs2", "482913"}, // 3 bytes - cannot decode
		{"dangling surrogate", "D800"},
		{"mixed", "00D4xyz"},
	}
	for _, p := range passPatterns {
		f := func(t *testing.T) {
			// anything else passes through untouched
			assert.Equal(t, p.in, DecodeUCS2IfHex(p.in))
		}
		t.Run(p.name, f)
	}
}

func TestNormalizeUSSD(t *testing.T) {
	patterns := []struct {
		name string
		text string
		dcs  int
		want string
	}{
		{"plain dcs 0", " hello ", 0, "hello"},
		{"plain dcs 15", "So TB 0912345678", 15, "So TB 0912345678"},
		{"hex dcs 15", "0053006F002000540042", 15, "So TB"},
		{"hex dcs 8", "0053006F002000540042", 8, "So TB"},
		{"hex dcs 72", "0053006F002000540042", 72, "So TB"},
		{"hex dcs 0 untouched", "0053006F002000540042", 0, "0053006F002000540042"},
		{"empty", "", 15, ""},
		{"no dcs", "hi", -1, "hi"},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			assert.Equal(t, p.want, NormalizeUSSD(p.text, p.dcs))
		}
		t.Run(p.name, f)
	}
}

func TestExtractMSISDN(t *testing.T) {
	patterns := []struct {
		name string
		text string
		want string
	}{
		{"local 10", "So TB 0912345678 het han...", "0912345678"},
		{"local 11", "01234567890", "01234567890"},
		{"international", "Thue bao +84912345678.", "+84912345678"},
		{"none", "no numbers here", ""},
		{"empty", "", ""},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			assert.Equal(t, p.want, ExtractMSISDN(p.text))
		}
		t.Run(p.name, f)
	}
}
