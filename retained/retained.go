// Package retained stores the most recent payload published to each topic.
//
// A retained value is written by the resource bridge before the matching
// publish, so a topic's last known state survives independently of the
// broker. Backends: in-memory, PostgreSQL and SQLite.
package retained

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a topic has no retained value.
	ErrNotFound = errors.New("retained: no value for topic")
)

// Packet is one retained message.
type Packet struct {
	Topic   string
	Payload []byte
	// Retain must be set for StoreRetained to keep the packet.
	Retain bool
	// UpdatedAt is filled in by the store.
	UpdatedAt time.Time
}

// Store persists retained packets keyed by topic.
type Store interface {
	// StoreRetained replaces the retained value of p.Topic.
	// Packets without Retain are ignored. An empty payload clears the topic.
	StoreRetained(ctx context.Context, p Packet) error

	// LookupRetained returns the retained packet for topic or ErrNotFound.
	LookupRetained(ctx context.Context, topic string) (Packet, error)

	// Topics returns every topic with a retained value that starts with prefix.
	Topics(ctx context.Context, prefix string) ([]string, error)

	// Delete clears topic. Returns nil if nothing was retained.
	Delete(ctx context.Context, topic string) error

	// Close releases resources held by the store.
	Close() error
}

// action classifies a StoreRetained call.
type action int

const (
	actionSkip action = iota
	actionDelete
	actionUpsert
)

func classify(p Packet) (action, error) {
	if p.Topic == "" {
		return actionSkip, errors.New("retained: topic is required")
	}
	if !p.Retain {
		return actionSkip, nil
	}
	if len(p.Payload) == 0 {
		return actionDelete, nil
	}
	return actionUpsert, nil
}
