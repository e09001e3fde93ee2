package client

import "time"

// BackoffConf controls reconnection pacing: Base doubles by Factor up to Max,
// and MaxAttempts consecutive failures move the client to StateFailed.
type BackoffConf struct {
	Base        time.Duration
	Max         time.Duration
	Factor      float64
	MaxAttempts int
}

// Options configures a Client. Zero values are normalized by norm().
type Options struct {
	// ServerURL is the gateway base URL, e.g. ws://host:8080.
	ServerURL string

	DialTimeout time.Duration // handshake budget, default 10s
	AckTimeout  time.Duration // join/leave ack budget, default 5s

	Backoff BackoffConf

	// Transport overrides the transport factory. Defaults to websocket with
	// a long-poll fallback. Tests inject a synthetic transport here.
	Transport TransportFactory
}

func (o *Options) norm() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = 500 * time.Millisecond
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = 30 * time.Second
	}
	if o.Backoff.Factor < 1 {
		o.Backoff.Factor = 2.0
	}
	if o.Backoff.MaxAttempts <= 0 {
		o.Backoff.MaxAttempts = 10
	}
	if o.Transport == nil {
		o.Transport = func() Transport {
			return newFallbackTransport(o.DialTimeout)
		}
	}
}

// delay returns the backoff for the given attempt (1-based).
func (b BackoffConf) delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Factor)
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
