package domain

import (
	"encoding/json"
	"time"
)

// EventKind classifies journal entries.
type EventKind string

const (
	EventControl EventKind = "control"
	EventAlert   EventKind = "alert"
)

// Event is a journal entry for a control action or an alert.
type Event struct {
	ID         string          `json:"id"`
	Kind       EventKind       `json:"kind"`
	Port       int             `json:"port"`
	ServerName string          `json:"serverName"`
	Action     string          `json:"action"`
	Success    bool            `json:"success"`
	Message    string          `json:"message,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// EventFilter narrows an event listing.
type EventFilter struct {
	Kind  EventKind
	Port  int
	Limit int
}

// DefaultEventLimit and MaxEventLimit bound event listings.
const (
	DefaultEventLimit = 50
	MaxEventLimit     = 500
)

// Normalize applies the default and maximum limit.
func (f EventFilter) Normalize() EventFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultEventLimit
	}
	if f.Limit > MaxEventLimit {
		f.Limit = MaxEventLimit
	}
	return f
}
