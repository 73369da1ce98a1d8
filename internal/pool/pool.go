// Package pool owns the long-lived, expensive-to-construct answering
// resources: model clients pooled per credential and prompt-bound pipelines
// pooled per (document, mode) key, with idle-timeout eviction.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultIdleTimeout = 300 * time.Second
	defaultReapEvery   = 60 * time.Second
)

// Mode distinguishes what a pooled resource is built for.
type Mode int

const (
	// ModeContext answers from retrieved document passages via the
	// answering template.
	ModeContext Mode = iota
	// ModeDirect invokes the model on a caller-supplied prompt with no
	// pipeline in between.
	ModeDirect
)

func (m Mode) String() string {
	if m == ModeContext {
		return "context"
	}
	return "direct"
}

// ModelClient is the constructed model handle the pool manages.
// Implemented by llm.Client.
type ModelClient interface {
	Invoke(ctx context.Context, prompt string) (string, error)
	Credential() string
}

// BuildFunc constructs a model client for a credential.
type BuildFunc func(ctx context.Context, credential string) (ModelClient, error)

// CredentialSource selects credentials and accounts for their failures.
// Implemented by llm.Rotator.
type CredentialSource interface {
	Next() string
	ReportError(token string)
	DecayErrors()
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type entry struct {
	res      *Resource
	lastUsed time.Time
}

// Pool caches constructed resources keyed by (document, mode). A resource
// reused within the idle window keeps its construction; once idle beyond the
// window it is evicted and rebuilt on next use. Model clients are pooled
// separately by credential, so document keys sharing a credential share the
// underlying client.
//
// Concurrent Acquire calls for the same key await one shared construction
// rather than racing, so at most one live resource exists per key.
type Pool struct {
	rotator   CredentialSource
	newClient BuildFunc
	clock     Clock

	idleTimeout time.Duration
	reapEvery   time.Duration

	mu            sync.Mutex
	entries       map[string]*entry
	clients       map[string]ModelClient
	reaperRunning bool

	group     singleflight.Group
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// New creates a Pool with the default idle timeout (300s) and reap cadence (60s).
func New(rotator CredentialSource, newClient BuildFunc) *Pool {
	return NewWithClock(rotator, newClient, realClock{}, defaultIdleTimeout, defaultReapEvery)
}

// NewWithClock creates a Pool with a custom clock and timings (for testing).
func NewWithClock(rotator CredentialSource, newClient BuildFunc, clock Clock, idleTimeout, reapEvery time.Duration) *Pool {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	if reapEvery <= 0 {
		reapEvery = defaultReapEvery
	}
	return &Pool{
		rotator:     rotator,
		newClient:   newClient,
		clock:       clock,
		idleTimeout: idleTimeout,
		reapEvery:   reapEvery,
		entries:     make(map[string]*entry),
		clients:     make(map[string]ModelClient),
		done:        make(chan struct{}),
		logger:      slog.Default(),
	}
}

// Acquire returns the live resource for (docID, mode), building one if the
// key is absent or its resource has gone stale. Construction failure is
// reported to the credential source and returned to the caller; the pool
// never retries internally.
func (p *Pool) Acquire(ctx context.Context, docID string, mode Mode) (*Resource, error) {
	key := docID + "/" + mode.String()

	if res := p.reuse(key); res != nil {
		return res, nil
	}

	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		// A concurrent Acquire may have finished construction while this
		// call waited on the flight group.
		if res := p.reuse(key); res != nil {
			return res, nil
		}

		res, err := p.build(ctx, mode)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.entries[key] = &entry{res: res, lastUsed: p.clock.Now()}
		p.startReaperLocked()
		p.mu.Unlock()

		p.logger.Debug("constructed pooled resource", "key", key)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resource), nil
}

// reuse returns the key's resource and bumps its last-used time if it is
// live and within the idle window; a stale entry is evicted so the caller
// falls through to construction.
func (p *Pool) reuse(key string) *Resource {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		return nil
	}
	now := p.clock.Now()
	if now.Sub(e.lastUsed) >= p.idleTimeout {
		delete(p.entries, key)
		p.logger.Debug("evicted stale resource", "key", key)
		return nil
	}
	e.lastUsed = now
	return e.res
}

func (p *Pool) build(ctx context.Context, mode Mode) (*Resource, error) {
	cred := p.rotator.Next()

	p.mu.Lock()
	client, ok := p.clients[cred]
	p.mu.Unlock()

	if !ok {
		built, err := p.newClient(ctx, cred)
		if err != nil {
			p.rotator.ReportError(cred)
			return nil, fmt.Errorf("constructing model client: %w", err)
		}

		p.mu.Lock()
		if existing, raced := p.clients[cred]; raced {
			client = existing
		} else {
			p.clients[cred] = built
			client = built
		}
		p.mu.Unlock()
	}

	if mode == ModeContext {
		return &Resource{client: client, tmpl: answerTemplate}, nil
	}
	return &Resource{client: client}, nil
}

// startReaperLocked launches the background reaper if it is not already
// running. Must be called with p.mu held. The reaper terminates itself once
// the pool drains, so no timer runs while the pool is empty.
func (p *Pool) startReaperLocked() {
	if p.reaperRunning || len(p.entries) == 0 {
		return
	}
	p.reaperRunning = true
	go p.reapLoop()
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.reapEvery)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			p.mu.Lock()
			p.reaperRunning = false
			p.mu.Unlock()
			return
		case <-ticker.C:
			p.rotator.DecayErrors()

			p.mu.Lock()
			now := p.clock.Now()
			for key, e := range p.entries {
				if now.Sub(e.lastUsed) >= p.idleTimeout {
					delete(p.entries, key)
					p.logger.Debug("reaped idle resource", "key", key)
				}
			}
			if len(p.entries) == 0 {
				p.reaperRunning = false
				p.mu.Unlock()
				p.logger.Debug("pool empty, reaper stopping")
				return
			}
			p.mu.Unlock()
		}
	}
}

// Len returns the number of live pooled resources.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close stops the background reaper. Pooled clients stay usable; closing
// them belongs to whoever constructed the pool's BuildFunc.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}
