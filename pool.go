package lambdart

import (
	"context"
	"sync"
)

// poolEntry is one unit moving through a demuxPool: an inbound
// invocation body when used anonymously, or one chunk of a streamed
// response body when used keyed by request id.
type poolEntry struct {
	requestID string
	body      []byte
	final     bool

	// prelude carries the status/headers frame, present only on the
	// first outbound entry of a /response relay. A writer prelude
	// overrides status/headers bit-for-bit; when the handler never
	// called WriteStatusAndHeaders the relay pushes a default 202
	// prelude instead. An /error relay pushes no prelude at all.
	prelude *preludeDoc
}

type poolMode int

const (
	poolModeNone poolMode = iota
	poolModeAnonymous
	poolModeKeyed
)

// demuxPool is the local development server's core data structure
// (§4.6/§9 of the specification): a concurrent FIFO that supports
// exactly one of two consumption modes at a time — anonymous FIFO
// iteration, or per-request-id selective waits — never both
// concurrently. The local server owns two independent instances: one
// used purely anonymously (the inbound invocation queue) and one
// used purely keyed (the per-client response demux).
type demuxPool struct {
	mu sync.Mutex

	mode        poolMode
	anonWaiting bool
	queue       []poolEntry

	perKey     map[string][]poolEntry
	keyWaiting map[string]bool

	wake chan struct{}
}

func newDemuxPool() *demuxPool {
	return &demuxPool{
		perKey:     make(map[string][]poolEntry),
		keyWaiting: make(map[string]bool),
		wake:       make(chan struct{}),
	}
}

// wakeLocked broadcasts to every blocked waiter that the pool changed.
// Must be called with p.mu held.
func (p *demuxPool) wakeLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// releaseModeLocked drops back to poolModeNone once no waiter of any
// kind remains, so a pool can be legitimately reused sequentially by
// either mode — only *concurrent* mixing is a usage error.
func (p *demuxPool) releaseModeLocked() {
	if !p.anonWaiting && len(p.keyWaiting) == 0 {
		p.mode = poolModeNone
	}
}

// Push enqueues an entry. keyed selects which backlog it lands in:
// false for the anonymous FIFO, true for the per-request-id backlog.
func (p *demuxPool) Push(e poolEntry, keyed bool) {
	p.mu.Lock()
	if keyed {
		p.perKey[e.requestID] = append(p.perKey[e.requestID], e)
	} else {
		p.queue = append(p.queue, e)
	}
	p.wakeLocked()
	p.mu.Unlock()
}

// Next pops the next entry in FIFO order, blocking until one is
// available or ctx is cancelled. Only one anonymous waiter may be
// active at a time; a second concurrent caller gets next_called_twice,
// and a caller racing an active keyed wait gets mixed_waiting_modes.
func (p *demuxPool) Next(ctx context.Context) (poolEntry, error) {
	p.mu.Lock()
	if p.mode == poolModeKeyed {
		p.mu.Unlock()
		return poolEntry{}, usageErrorf("next", "mixed_waiting_modes")
	}
	if p.anonWaiting {
		p.mu.Unlock()
		return poolEntry{}, usageErrorf("next", "next_called_twice")
	}
	p.mode = poolModeAnonymous
	p.anonWaiting = true

	for {
		if len(p.queue) > 0 {
			e := p.queue[0]
			p.queue = p.queue[1:]
			p.anonWaiting = false
			p.releaseModeLocked()
			p.mu.Unlock()
			return e, nil
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
			p.mu.Lock()
		case <-ctx.Done():
			p.mu.Lock()
			p.anonWaiting = false
			p.releaseModeLocked()
			p.mu.Unlock()
			return poolEntry{}, &Cancelled{}
		}
	}
}

// NextFor pops the next entry pushed for requestID, blocking until one
// arrives or ctx is cancelled. Two concurrent waiters for the same id
// is duplicate_request_id_wait; racing an active anonymous wait is
// mixed_waiting_modes.
func (p *demuxPool) NextFor(ctx context.Context, requestID string) (poolEntry, error) {
	p.mu.Lock()
	if p.mode == poolModeAnonymous {
		p.mu.Unlock()
		return poolEntry{}, usageErrorf("next_for", "mixed_waiting_modes")
	}
	if p.keyWaiting[requestID] {
		p.mu.Unlock()
		return poolEntry{}, usageErrorf("next_for", "duplicate_request_id_wait")
	}
	p.mode = poolModeKeyed
	p.keyWaiting[requestID] = true

	for {
		if q := p.perKey[requestID]; len(q) > 0 {
			e := q[0]
			p.perKey[requestID] = q[1:]
			delete(p.keyWaiting, requestID)
			p.releaseModeLocked()
			p.mu.Unlock()
			return e, nil
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
			p.mu.Lock()
		case <-ctx.Done():
			p.mu.Lock()
			delete(p.keyWaiting, requestID)
			p.releaseModeLocked()
			p.mu.Unlock()
			return poolEntry{}, &Cancelled{}
		}
	}
}
