// Package reactor implements the single-threaded cooperative event loop
// (§4.2): one goroutine multiplexes registered sockets, a command pipe,
// and named timers, and dispatches to handler callbacks one at a time so
// that no two handlers ever run concurrently. Order is FIFO within each
// source (socket readiness, pushed actions), not across sources.
package reactor

import (
	"sync"
	"time"

	"github.com/ddoucette/apphost/cmn/debug"
	"github.com/ddoucette/apphost/cmn/nlog"
	"github.com/ddoucette/apphost/wire"
)

// SocketHandler is invoked with the socket's next inbound message whenever
// Reactor observes it ready to read.
type SocketHandler func(msg wire.Message)

// Action is a unit of work submitted through the command pipe (Push) to
// run on the reactor goroutine, e.g. a cross-goroutine request to send a
// message on a socket the reactor owns exclusively.
type Action func()

type regSocket struct {
	name    string
	sock    *wire.Socket
	handler SocketHandler
}

// Reactor owns a set of sockets and timers and runs them all from a
// single goroutine, so handler code never has to guard against
// concurrent access to state it closes over.
type Reactor struct {
	mu      sync.Mutex
	sockets map[string]*regSocket
	timers  map[string]*time.Timer
	actions chan Action
	readyCh chan readyEvent
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

type readyEvent struct {
	name string
	msg  wire.Message
	err  error
}

func New() *Reactor {
	return &Reactor{
		sockets: make(map[string]*regSocket),
		timers:  make(map[string]*time.Timer),
		actions: make(chan Action, 256),
		readyCh: make(chan readyEvent, 256),
		stop:    make(chan struct{}),
	}
}

// AddSocket registers sock under name, spawning a goroutine that blocks on
// Recv and forwards each message onto the reactor's single dispatch
// channel; handler always runs on the reactor goroutine, never on the
// feeder goroutine (§4.2: "all handler callbacks execute on the single
// reactor thread").
func (r *Reactor) AddSocket(name string, sock *wire.Socket, handler SocketHandler) {
	r.mu.Lock()
	r.sockets[name] = &regSocket{name: name, sock: sock, handler: handler}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			msg, err := sock.Recv()
			select {
			case r.readyCh <- readyEvent{name: name, msg: msg, err: err}:
			case <-r.stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// RemoveSocket drops a socket registration; the feeder goroutine exits on
// its next failed Recv once the caller closes the socket itself.
func (r *Reactor) RemoveSocket(name string) {
	r.mu.Lock()
	delete(r.sockets, name)
	r.mu.Unlock()
}

// Push enqueues fn to run on the reactor goroutine, FIFO with respect to
// other pushed actions. Its order relative to socket readiness events is
// not defined: Run's select picks between the two queues at random.
func (r *Reactor) Push(fn Action) {
	select {
	case r.actions <- fn:
	case <-r.stop:
	}
}

// AddTimer schedules fn to run once, on the reactor goroutine, after d.
// A prior timer under the same name is canceled.
func (r *Reactor) AddTimer(name string, d time.Duration, fn func()) {
	r.mu.Lock()
	if t, ok := r.timers[name]; ok {
		t.Stop()
	}
	r.timers[name] = time.AfterFunc(d, func() {
		r.Push(fn)
	})
	r.mu.Unlock()
}

func (r *Reactor) CancelTimer(name string) {
	r.mu.Lock()
	if t, ok := r.timers[name]; ok {
		t.Stop()
		delete(r.timers, name)
	}
	r.mu.Unlock()
}

// Run is the reactor's main loop; it blocks until Close is called. Socket
// readiness and pushed actions are drained from two channels feeding a
// single select, which is what gives FIFO-per-source ordering without a
// busy poll.
func (r *Reactor) Run() {
	for {
		select {
		case <-r.stop:
			return
		case ev := <-r.readyCh:
			r.dispatch(ev)
		case fn := <-r.actions:
			r.safeCall(fn)
		}
	}
}

func (r *Reactor) dispatch(ev readyEvent) {
	r.mu.Lock()
	rs, ok := r.sockets[ev.name]
	r.mu.Unlock()
	if !ok {
		return // removed between feed and dispatch; drop
	}
	if ev.err != nil {
		nlog.Warningf("reactor: socket %q closed: %v", ev.name, ev.err)
		return
	}
	debug.Assert(rs.handler != nil, "reactor: nil handler for socket "+ev.name)
	r.safeCall(func() { rs.handler(ev.msg) })
}

func (r *Reactor) safeCall(fn Action) {
	defer func() {
		if rec := recover(); rec != nil {
			nlog.Errorf("reactor: handler panic: %v", rec)
		}
	}()
	fn()
}

// Close stops the loop, removes and closes every still-registered socket
// so that its feeder goroutine's Recv returns, and waits for the feeders
// to exit.
func (r *Reactor) Close() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	socks := make([]*wire.Socket, 0, len(r.sockets))
	for name, rs := range r.sockets {
		socks = append(socks, rs.sock)
		delete(r.sockets, name)
	}
	r.mu.Unlock()

	close(r.stop)
	for _, s := range socks {
		s.Close()
	}
	r.wg.Wait()
	return nil
}
