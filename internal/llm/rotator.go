package llm

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrNoCredentials is returned when a Rotator is constructed without any
// API credentials. There is no way to recover from this at runtime.
var ErrNoCredentials = errors.New("no API credentials configured")

const (
	// errorThreshold is the error count above which a credential is
	// temporarily excluded from selection.
	errorThreshold = 10

	// breakerWindow is how recently an over-threshold credential must have
	// been used to stay excluded. Once the window passes, the credential
	// becomes eligible again.
	breakerWindow = 300 * time.Second

	// recencyWindow penalizes credentials used within the last minute so
	// load spreads instead of hammering a single credential.
	recencyWindow = 60 * time.Second
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type credential struct {
	token      string
	usageCount int
	errorCount int
	lastUsed   time.Time
}

// Rotator selects among interchangeable API credentials, biasing away from
// credentials that are error-prone or recently used. Counters are advisory
// load-balancing signals; they decay over time so penalized credentials
// recover.
type Rotator struct {
	mu     sync.Mutex
	clock  Clock
	creds  []*credential
	rrNext int
	logger *slog.Logger
}

// NewRotator creates a Rotator over the given ordered credential tokens.
// Returns ErrNoCredentials if tokens is empty.
func NewRotator(tokens []string) (*Rotator, error) {
	return NewRotatorWithClock(tokens, realClock{})
}

// NewRotatorWithClock creates a Rotator with a custom clock (for testing).
func NewRotatorWithClock(tokens []string, clock Clock) (*Rotator, error) {
	if len(tokens) == 0 {
		return nil, ErrNoCredentials
	}
	creds := make([]*credential, len(tokens))
	for i, t := range tokens {
		creds[i] = &credential{token: t}
	}
	return &Rotator{
		clock:  clock,
		creds:  creds,
		logger: slog.Default(),
	}, nil
}

// Len returns the number of configured credentials.
func (r *Rotator) Len() int {
	return len(r.creds)
}

// Next selects the credential with the lowest score and marks it used.
// A credential whose error count exceeds the threshold and that was used
// within the breaker window is excluded from scoring; if every credential is
// excluded, selection falls back to plain round-robin so a caller is never
// left without a credential.
func (r *Rotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()

	var best *credential
	bestScore := 0.0
	for _, c := range r.creds {
		if c.errorCount > errorThreshold && now.Sub(c.lastUsed) < breakerWindow {
			continue
		}
		score := r.score(c, now)
		if best == nil || score < bestScore {
			best = c
			bestScore = score
		}
	}

	if best == nil {
		best = r.creds[r.rrNext]
		r.rrNext = (r.rrNext + 1) % len(r.creds)
		r.logger.Warn("all credentials over error threshold, falling back to round-robin")
	}

	best.usageCount++
	best.lastUsed = now
	return best.token
}

// score computes the selection score for a credential; lower is better.
// Usage and errors push the score up, and so does very recent use.
func (r *Rotator) score(c *credential, now time.Time) float64 {
	recency := recencyWindow.Seconds() - now.Sub(c.lastUsed).Seconds()
	if recency < 0 {
		recency = 0
	}
	return float64(c.usageCount)*1.0 + float64(c.errorCount)*2.0 + recency*0.1
}

// ReportError increments the error count for the given credential. Unknown
// tokens are ignored.
func (r *Rotator) ReportError(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.creds {
		if c.token == token {
			c.errorCount++
			r.logger.Warn("credential error reported", "errors", c.errorCount)
			return
		}
	}
}

// DecayErrors decrements every credential's error count by one, floored at
// zero. Called on a fixed cadence so previously penalized credentials become
// eligible again.
func (r *Rotator) DecayErrors() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.creds {
		if c.errorCount > 0 {
			c.errorCount--
		}
	}
}
