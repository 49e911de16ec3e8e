package sms

import (
	"regexp"
)

// otpFallbackRE matches any 4-8 digit run.
var otpFallbackRE = regexp.MustCompile(`\b(\d{4,8})\b`)

// Extractor pulls one-time passwords out of message bodies.
//
// Capture group 1 of the configured pattern is the OTP. When the pattern
// does not compile, or does not match a given text, the digit-run fallback
// pattern is used instead.
type Extractor struct {
	re *regexp.Regexp
}

// NewExtractor builds an Extractor from pattern.
func NewExtractor(pattern string) *Extractor {
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = otpFallbackRE
	}
	return &Extractor{re: re}
}

// Extract returns the OTP found in text, or "" when there is none.
func (e *Extractor) Extract(text string) string {
	if m := e.re.FindStringSubmatch(text); len(m) > 1 {
		return m[1]
	}
	if m := otpFallbackRE.FindStringSubmatch(text); len(m) > 1 {
		return m[1]
	}
	return ""
}
