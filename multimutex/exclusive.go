package multimutex

import (
	"context"
	"sort"
	"sync"
)

// CoinSpendingToken serializes every operation that reads or mutates the
// pool of spendable coins.
const CoinSpendingToken = "coin-spending"

// tokenQueue lists the waiters of a held token in arrival order. A token is
// held while it has an entry in the manager's map.
type tokenQueue struct {
	waiters []chan struct{}
}

// Manager grants exclusive access to sets of string tokens. Waiters of a
// token are served first come first served, and token sets are always
// acquired in sorted order so callers with overlapping sets can't deadlock.
type Manager struct {
	mu     sync.Mutex
	tokens map[string]*tokenQueue
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		tokens: make(map[string]*tokenQueue),
	}
}

// RunExclusive runs f while holding all tokens. The tokens are released once
// f returns, whatever its result. If ctx is cancelled while waiting, the
// tokens acquired so far are released and the context error is returned
// without running f.
func (m *Manager) RunExclusive(ctx context.Context, tokens []string,
	f func(ctx context.Context) error) error {

	sorted := sortTokens(tokens)

	var held []string
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			m.release(held[i])
		}
	}

	for _, token := range sorted {
		if err := m.acquire(ctx, token); err != nil {
			release()
			return err
		}
		held = append(held, token)
	}
	defer release()

	log.Tracef("Acquired tokens %v", sorted)

	return f(ctx)
}

// acquire blocks until the token is handed to the caller or ctx is done.
func (m *Manager) acquire(ctx context.Context, token string) error {
	m.mu.Lock()
	q, ok := m.tokens[token]
	if !ok {
		m.tokens[token] = &tokenQueue{}
		m.mu.Unlock()

		return nil
	}

	wait := make(chan struct{})
	q.waiters = append(q.waiters, wait)
	m.mu.Unlock()

	select {
	case <-wait:
		return nil

	case <-ctx.Done():
	}

	m.mu.Lock()
	for i, w := range q.waiters {
		if w == wait {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			m.mu.Unlock()

			return ctx.Err()
		}
	}
	m.mu.Unlock()

	// The token was handed to us concurrently with the cancellation. Pass
	// it on.
	m.release(token)

	return ctx.Err()
}

// release hands the token to the next waiter or frees it.
func (m *Manager) release(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.tokens[token]
	if !ok {
		return
	}

	if len(q.waiters) == 0 {
		delete(m.tokens, token)
		return
	}

	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}

// Held returns true if the token is currently held by someone.
func (m *Manager) Held(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.tokens[token]

	return ok
}

// sortTokens returns the sorted set of tokens without duplicates.
func sortTokens(tokens []string) []string {
	set := make(map[string]struct{}, len(tokens))
	sorted := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := set[t]; ok {
			continue
		}
		set[t] = struct{}{}
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)

	return sorted
}

// numWaiters returns how many callers wait for the token.
func (m *Manager) numWaiters(token string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.tokens[token]
	if !ok {
		return 0
	}

	return len(q.waiters)
}
