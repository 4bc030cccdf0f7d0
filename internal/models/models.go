package models

import (
	"time"
)

// Channel states as seen by the checker
type ChannelState string

const (
	ChannelStateDown       ChannelState = "DOWN"
	ChannelStateRinging    ChannelState = "RINGING"
	ChannelStateEarlyMedia ChannelState = "EARLY_MEDIA"
	ChannelStateUp         ChannelState = "UP"
	ChannelStateBusy       ChannelState = "BUSY"
	ChannelStateUnknown    ChannelState = "UNKNOWN"
)

// Eligible reports whether a channel in this state counts as an existing call.
func (s ChannelState) Eligible() bool {
	switch s {
	case ChannelStateRinging, ChannelStateEarlyMedia, ChannelStateUp:
		return true
	default:
		return false
	}
}

// Channel is one call leg known to the telephony server. Live channels are
// per-request snapshots and are never cached.
type Channel struct {
	ID             string       `json:"id"`
	DialedNumber   string       `json:"dialed_number"`
	CallerIDNumber string       `json:"caller_id_number"`
	State          ChannelState `json:"state"`
	CreatedAt      time.Time    `json:"created_at"`
}

// MockEntry is a synthetic channel held by the mock store until ExpiresAt.
type MockEntry struct {
	Key            string    `json:"key"`
	OriginalNumber string    `json:"number"`
	ChannelID      string    `json:"channel_id"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at now.
func (e MockEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// ConnectionResult answers a single existence check
type ConnectionResult struct {
	Connected bool      `json:"connected"`
	ChannelID *string   `json:"channel_id"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MockAddResult is returned by a bulk mock insert
type MockAddResult struct {
	AddedKeys []string  `json:"numbers_added"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MockStatus lists live mock entries
type MockStatus struct {
	Entries    []MockEntry `json:"active_mocks"`
	TotalCount int         `json:"total_count"`
}

// DisconnectResult is returned by a terminate request
type DisconnectResult struct {
	Success   bool   `json:"success"`
	ChannelID string `json:"channel_id"`
	Mock      bool   `json:"mock"`
}
