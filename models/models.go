package models

import "time"

/*
	Core data types shared between the gateway and its clients.

	An APIKeyRecord is the unit of authorization: every caller holds one,
	and everything the gateway enforces (quota, enablement, admin surface)
	hangs off of it. Records are owned exclusively by the keystore; other
	components receive copies and never mutate the authoritative set.
*/

type APIKeyRecord struct {
	Key                string    `json:"key"`
	Name               string    `json:"name,omitempty"`
	RateLimitPerMinute float64   `json:"rate_limit_per_minute"`
	Burst              int       `json:"burst"`
	Enabled            bool      `json:"enabled"`
	Admin              bool      `json:"admin,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	LastUsedAt         time.Time `json:"last_used_at,omitempty"`
}

/*
	Events are ephemeral. They are produced by publishers (the chat
	pipeline, the model downloader, the gateway's own metrics sampler),
	pass through the hub exactly once, and are never persisted. A client
	that was not connected when an event was dispatched never sees it.
*/

type Event struct {
	Type      string            `json:"type"`
	Payload   map[string]any    `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Meta      map[string]string `json:"meta,omitempty"`
}
