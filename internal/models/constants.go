package models

import "time"

const (
	// DefaultMaxRetries is the retry budget per operation. Once reached the
	// operation stays in the queue as FAILED but is never retried
	// automatically.
	DefaultMaxRetries = 3

	// DefaultRetryDelay is the flat delay before a follow-up pass when
	// pending work remains. No exponential backoff.
	DefaultRetryDelay = 30 * time.Second

	// DefaultProbeInterval is how often the connectivity monitor probes the
	// remote endpoint.
	DefaultProbeInterval = 15 * time.Second

	// DefaultRemoteTimeout bounds a single remote executor call.
	DefaultRemoteTimeout = 20 * time.Second
)
