// Package cache publishes harvested OTPs to a shared short-TTL store so
// that other processes can consume them.
package cache

import (
	"context"
	"time"
)

// Message is the payload published for a harvested SMS.
//
// The JSON field set is the wire contract with consumers; MSISDN travels
// with the message but is not part of the payload.
type Message struct {
	OTP        string    `json:"otp"`
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	Timestamp  string    `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"` // UTC
	Port       string    `json:"port"`
	IMEI       string    `json:"imei"`
	MSISDN     string    `json:"-"`
	Index      int       `json:"index"`
}

// Cache is the store the harvester publishes into.
//
// Entries are keyed by sender only - concurrent SMS from the same sender
// overwrite each other. The OTP is short-lived and the latest wins.
type Cache interface {
	// Put stores the message under the sender's key. Publishing is best
	// effort: failures are logged by the implementation and never
	// propagated.
	Put(ctx context.Context, sender string, m Message)
	// Get returns the message stored for the sender, or nil when there is
	// none or the backend failed.
	Get(ctx context.Context, sender string) *Message
}
