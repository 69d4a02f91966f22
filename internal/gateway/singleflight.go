package gateway

import "sync"

// refreshGroup coordinates a single credential refresh across concurrent
// callers. The first caller to arrive while no refresh is in flight becomes
// the leader; everyone else receives a channel that reports the leader's
// outcome. Waiters are settled in arrival order.
type refreshGroup struct {
	mu      sync.Mutex
	active  bool
	waiters []chan error
}

// acquireOrWait returns leader=true when the caller must perform the refresh
// itself. Otherwise the returned channel yields the outcome of the in-flight
// refresh: nil means credentials were renewed and the caller should replay.
func (g *refreshGroup) acquireOrWait() (leader bool, wait <-chan error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.active {
		g.active = true
		return true, nil
	}

	ch := make(chan error, 1)
	g.waiters = append(g.waiters, ch)
	return false, ch
}

// settle concludes the in-flight refresh and notifies every waiter, oldest
// first. Only the current leader may call it.
func (g *refreshGroup) settle(err error) {
	g.mu.Lock()
	waiters := g.waiters
	g.waiters = nil
	g.active = false
	g.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
}
