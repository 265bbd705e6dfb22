package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records a command or pipeline action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time
	ActorID   string
	ActorName string
	GuildID   string
	ChannelID string
	Component string
	Action    string
	Target    string
	OK        int
	Fail      int
	Error     string
	TookMS    int64
	MetaJSON  string
}

// ForwardRef is one relayed copy of a source message.
type ForwardRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// ForwardRecord maps a source message to its relayed copies so edits and
// deletes can be propagated after a restart.
type ForwardRecord struct {
	SourceChannelID string       `json:"source_channel_id"`
	SourceMessageID string       `json:"source_message_id"`
	Signature       string       `json:"signature,omitempty"`
	WebhookURL      string       `json:"webhook_url,omitempty"`
	Refs            []ForwardRef `json:"refs"`
	At              time.Time    `json:"at"`
}
