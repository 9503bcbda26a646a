package syncagent

import (
	"context"
	"time"
)

const DefaultProbeTimeout = 5 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober decides whether the server is actually reachable. The link-layer
// online signal is only a hint; a flush always waits for a successful probe.
type Prober struct {
	pinger  Pinger
	timeout time.Duration
}

func NewProber(pinger Pinger, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{pinger: pinger, timeout: timeout}
}

func (p *Prober) IsReachable(ctx context.Context) bool {
	if p == nil || p.pinger == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.pinger.Ping(probeCtx) == nil
}
