// Package retry implements the pending-retry protocol (spec.md §4.E): when
// the registry blocks one or more commands, the dispatcher records a
// one-shot PendingRetry instead of failing the request outright, and the
// caller can resubmit it with an explicit user permission choice.
package retry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/safeshell/safesh/errs"
	"github.com/safeshell/safesh/policy"
)

// DefaultTTL is the minimum pending-retry lifetime spec.md §4.E requires
// ("at least the longest interactive dialog the caller may conduct, default
// 10 minutes"). It resolves the open question in spec.md §9 by making the
// TTL explicit and configurable rather than guessed per call site.
const DefaultTTL = 10 * time.Minute

// Context carries the execution parameters a blocked request needs to
// replay once the retry is consumed.
type Context struct {
	Cwd        string
	Env        map[string]string
	Timeout    time.Duration
	Background bool
	ShellID    string
}

// PendingRetry records a blocked request, keyed by a fresh id, until it is
// consumed exactly once or expires.
type PendingRetry struct {
	ID               string
	Code             string
	BlockedCommands  []string
	NotFoundCommands []string
	Context          Context
	CreatedAt        time.Time
}

// Choice is the user's decision when consuming a PendingRetry.
type Choice int

const (
	// ChoiceOnce runs the saved snippet once with the blocked commands
	// allowed, without persisting the grant anywhere.
	ChoiceOnce Choice = 1
	// ChoiceSession additionally grants the commands for the shell's
	// remaining lifetime (store.AddSessionAllowedCommands).
	ChoiceSession Choice = 2
	// ChoiceAlways additionally persists the grant to the project config
	// file.
	ChoiceAlways Choice = 3
)

// Manager is the map of outstanding pending retries, guarded by its own
// mutex independent of the shell store (spec.md §9: "a map keyed by id with
// an eviction sweeper; single-use semantics enforced by remove-on-get").
type Manager struct {
	mu      sync.Mutex
	entries map[string]*PendingRetry
	ttl     time.Duration
	clock   func() time.Time

	stop chan struct{}
	once sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithClock overrides the time source (tests only).
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager constructs a Manager and starts its TTL sweeper goroutine.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		entries: make(map[string]*PendingRetry),
		ttl:     DefaultTTL,
		clock:   time.Now,
		stop:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	go m.sweepLoop()

	return m
}

// Close stops the sweeper goroutine. Safe to call multiple times.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.stop) })
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.ttl / 4)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()

	for id, pr := range m.entries {
		if now.Sub(pr.CreatedAt) > m.ttl {
			delete(m.entries, id)
		}
	}
}

// Create records a single-command blocked request and returns the new
// PendingRetry.
func (m *Manager) Create(code string, blocked, notFound []string, ctx Context) *PendingRetry {
	return m.CreateMulti(code, blocked, notFound, ctx)
}

// CreateMulti records a multi-command blocked request — spec.md §4.E:
// "created when snippet preflight surfaces several violations at once; the
// single retry carries both lists."
func (m *Manager) CreateMulti(code string, blocked, notFound []string, ctx Context) *PendingRetry {
	pr := &PendingRetry{
		ID:               uuid.NewString(),
		Code:             code,
		BlockedCommands:  append([]string(nil), blocked...),
		NotFoundCommands: append([]string(nil), notFound...),
		Context:          ctx,
		CreatedAt:        m.clock(),
	}

	m.mu.Lock()
	m.entries[pr.ID] = pr
	m.mu.Unlock()

	return pr
}

// Consume removes and returns the PendingRetry for id if present and not
// expired (remove-on-get single-use semantics, testable property 3). A
// second consume of the same id yields RETRY_NOT_FOUND.
func (m *Manager) Consume(id string) (*PendingRetry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pr, ok := m.entries[id]
	if !ok {
		return nil, errs.New(errs.RetryNotFound, "pending retry '"+id+"' does not exist or was already consumed")
	}

	delete(m.entries, id)

	if m.clock().Sub(pr.CreatedAt) > m.ttl {
		return nil, errs.New(errs.RetryNotFound, "pending retry '"+id+"' has expired")
	}

	return pr, nil
}

// Grant computes the effective config override for choice 1/2 on a
// consumed retry: {permissions.run: blocked, external: blocked->{allow:true}}.
// It sets both permissions.run and external.{cmd}.allow per the
// recommended resolution of the "always allow" open question in spec.md §9,
// so the shape is identical whether the grant lives for one request, the
// shell's lifetime, or forever. Grant only builds the Config; it stores and
// persists nothing.
func Grant(blocked []string) policy.Config {
	return policy.WithSessionGrants(policy.Config{}, blocked)
}
