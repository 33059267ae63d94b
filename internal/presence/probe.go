package presence

import (
	"context"
	"time"
)

// DefaultProbeTimeout bounds one connect attempt.
const DefaultProbeTimeout = 2 * time.Second

// ProbeFunc runs a non-destructive connect and reports whether the target answered.
type ProbeFunc func(ctx context.Context, timeout time.Duration) (bool, error)

// Prober polls with a connect command. It holds no transport between polls.
type Prober struct {
	probe   ProbeFunc
	check   func(ctx context.Context) error
	timeout time.Duration
}

// NewProber polls with probe. check, when set, runs once on Open to confirm the tool exists.
func NewProber(probe ProbeFunc, check func(ctx context.Context) error, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{
		probe:   probe,
		check:   check,
		timeout: timeout,
	}
}

func (p *Prober) Open(ctx context.Context) error {
	if p.check == nil {
		return nil
	}
	return p.check(ctx)
}

func (p *Prober) Poll(ctx context.Context) (State, error) {
	ok, err := p.probe(ctx, p.timeout)
	if err != nil {
		return Absent, err
	}
	if ok {
		return Present, nil
	}
	return Absent, nil
}

func (p *Prober) Suspend() error                   { return nil }
func (p *Prober) Resume(ctx context.Context) error { return nil }
func (p *Prober) Close() error                     { return nil }
