package snodepool

import "sync"

// call is a shared, in-flight invocation of refresh: concurrent callers
// that arrive while one is already running block on the same call instead
// of issuing their own, and all observe the same result.
//
// This is a small hand-rolled equivalent of golang.org/x/sync/singleflight
// scoped to the pool's single refresh operation; no example in the corpus
// imports that package, and the shape needed here — one named in-flight
// slot guarded by a mutex — is a few lines, not worth a new dependency.
type call struct {
	done chan struct{}
	err  error
}

// singleflightGroup runs exactly one refresh at a time, sharing the result
// with any caller that arrives while it is in flight.
type singleflightGroup struct {
	mu sync.Mutex
	in *call
}

// do runs fn if no call is currently in flight, or waits for the in-flight
// call and returns its result otherwise.
func (g *singleflightGroup) do(fn func() error) error {
	g.mu.Lock()
	if g.in != nil {
		c := g.in
		g.mu.Unlock()
		<-c.done
		return c.err
	}
	c := &call{done: make(chan struct{})}
	g.in = c
	g.mu.Unlock()

	c.err = fn()
	close(c.done)

	g.mu.Lock()
	g.in = nil
	g.mu.Unlock()

	return c.err
}
