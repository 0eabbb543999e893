// Package engine implements the Protocol Engine (§4.6): a construction-
// time validated state machine driving one wire.Socket through a
// reactor, with per-state message/action dispatch, state and keep-alive
// timeouts, and a universal "*" overlay.
package engine

import (
	"fmt"
	"time"

	"github.com/ddoucette/apphost/cmn/debug"
	"github.com/ddoucette/apphost/cmn/nlog"
	"github.com/ddoucette/apphost/reactor"
	"github.com/ddoucette/apphost/wire"
)

// AnyState is the universal overlay consulted after the current state's
// own messages/actions fail to match (§4.6 receive/action path).
const AnyState = "*"

// Result is what a message or action handler returns to tell the engine
// whether to follow the declared transition. Next overrides the entry's
// declared NextState when non-empty, for handlers whose transition
// depends on runtime data (e.g. a cache hit vs. miss) rather than being
// fixed at state-table construction time.
type Result struct {
	Ok   bool
	Err  error
	Next string
}

func Ok() Result            { return Result{Ok: true} }
func Fail(err error) Result { return Result{Ok: false, Err: err} }

// OkNext succeeds and overrides the declared transition with next.
func OkNext(next string) Result { return Result{Ok: true, Next: next} }

// MessageHandler processes one inbound message already cast against the
// schema.
type MessageHandler func(msg wire.Message) Result

// ActionHandler processes one dispatched action.
type ActionHandler func(name string, args []any) Result

// MessageEntry binds a schema header to a handler and the state to
// transition to on success; NextState == "-" means "stay".
type MessageEntry struct {
	Header    string
	Handler   MessageHandler
	NextState string
}

// ActionEntry binds an action name to a handler, its success transition,
// and the state to jump to directly on failure (bypassing a second pass
// through the action machinery, per §4.6 action path).
type ActionEntry struct {
	Name       string
	Handler    ActionHandler
	NextState  string
	ErrorState string // "-" means: log and stay
}

// TimeoutSpec dispatches the state's "timeout" action once after Duration
// if the state is still current.
type TimeoutSpec struct {
	Duration time.Duration
}

// KeepaliveSpec drives the keep-alive sub-protocol (§4.6): on timer fire,
// if the peer was marked alive since the last send, a new request is
// sent and the timer restarted; otherwise Handler runs and the state
// transitions to NextState.
type KeepaliveSpec struct {
	Duration  time.Duration
	Handler   func()
	NextState string
}

// StateSpec describes one named state. The first StateSpec in the slice
// passed to New is the initial state.
type StateSpec struct {
	Name      string
	Messages  []MessageEntry
	Actions   []ActionEntry
	OnEnter   func()
	Timeout   *TimeoutSpec
	Keepalive *KeepaliveSpec
}

// Observer is notified of every state transition, independent of any
// handler-specific callback.
type Observer func(from, to string)

const stateTimerName = "state"
const keepaliveTimerName = "keep-alive"

// Engine is one running instance of a validated state machine bound to a
// socket and driven by a reactor.
type Engine struct {
	name     string
	schema   wire.Schema
	states   map[string]*StateSpec
	order    []string
	observer Observer

	wsk *wire.Socket
	r   *reactor.Reactor

	current   string
	peerAlive bool
}

// New validates states against schema and constructs an Engine. Every
// next_state/error_state must name a known state or be "-"; every message
// header named in a state must exist in schema. Violations are
// construction-time errors (§4.6: "these cannot arise from a well-formed
// peer" — bugs, not runtime faults).
func New(name, location string, schema wire.Schema, states []StateSpec, observer Observer) (*Engine, error) {
	if len(states) == 0 {
		return nil, fmt.Errorf("engine %s: no states declared", name)
	}
	byName := make(map[string]*StateSpec, len(states))
	order := make([]string, 0, len(states))
	for i := range states {
		s := &states[i]
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("engine %s: duplicate state %q", name, s.Name)
		}
		byName[s.Name] = s
		order = append(order, s.Name)
	}

	valid := func(ref string) bool {
		if ref == "-" || ref == "" {
			return true
		}
		_, ok := byName[ref]
		return ok
	}
	for _, s := range states {
		for _, m := range s.Messages {
			if !valid(m.NextState) {
				return nil, fmt.Errorf("engine %s: state %q message %q: unknown next_state %q", name, s.Name, m.Header, m.NextState)
			}
			if _, ok := schema[m.Header]; !ok && m.Header != wire.HdrKeepAliveReq && m.Header != wire.HdrKeepAliveRep {
				return nil, fmt.Errorf("engine %s: state %q references unknown schema header %q", name, s.Name, m.Header)
			}
		}
		for _, a := range s.Actions {
			if !valid(a.NextState) {
				return nil, fmt.Errorf("engine %s: state %q action %q: unknown next_state %q", name, s.Name, a.Name, a.NextState)
			}
			if !valid(a.ErrorState) {
				return nil, fmt.Errorf("engine %s: state %q action %q: unknown error_state %q", name, s.Name, a.Name, a.ErrorState)
			}
		}
		if s.Keepalive != nil && !valid(s.Keepalive.NextState) {
			return nil, fmt.Errorf("engine %s: state %q keepalive: unknown next_state %q", name, s.Name, s.Keepalive.NextState)
		}
	}

	return &Engine{
		name: name, schema: schema, states: byName, order: order, observer: observer,
		current: order[0],
	}, nil
}

// Bind attaches the engine to a socket and reactor; the socket's schema
// is set to the engine's and the reactor starts dispatching inbound
// messages and the initial state's on_enter logic.
func (e *Engine) Bind(sock *wire.Socket, r *reactor.Reactor) {
	e.wsk = sock
	e.r = r
	sock.BindSchema(e.schema)
	r.AddSocket(e.name, sock, e.onMessage)
	r.Push(func() { e.enter(e.order[0]) })
}

func (e *Engine) State() string { return e.current }

// Send writes msg on the engine's bound socket. For router-type sockets
// with no explicit msg.Addr, the socket addresses the last peer it
// received from (§4.6 step 4); handlers normally use this instead of
// reaching into the socket directly.
func (e *Engine) Send(msg wire.Message) error { return e.wsk.Send(msg) }

func (e *Engine) enter(name string) {
	from := e.current
	e.current = name
	s := e.states[name]

	if s.Timeout != nil {
		e.r.AddTimer(stateTimerName, s.Timeout.Duration, func() { e.onStateTimeout(name) })
	}
	if s.Keepalive != nil {
		e.peerAlive = false
		e.r.AddTimer(keepaliveTimerName, s.Keepalive.Duration, func() { e.onKeepaliveTimeout(name) })
		if err := e.sendKeepAliveReq(); err != nil {
			nlog.Warningf("engine %s: keep-alive-req send failed: %v", e.name, err)
		}
	}
	if s.OnEnter != nil {
		s.OnEnter()
	}
	if e.observer != nil && from != name {
		e.observer(from, name)
	}
}

func (e *Engine) leave() {
	e.r.CancelTimer(stateTimerName)
	e.r.CancelTimer(keepaliveTimerName)
}

func (e *Engine) transition(next string) {
	if next == "-" {
		return
	}
	e.leave()
	e.enter(next)
}

func (e *Engine) sendKeepAliveReq() error {
	return e.wsk.Send(wire.Message{Header: wire.HdrKeepAliveReq})
}

func (e *Engine) onStateTimeout(expectedState string) {
	// A timer firing after its state was left is detected by name
	// matching against the current state (§4.2 cancellation note).
	if e.current != expectedState {
		return
	}
	s := e.states[expectedState]
	if s.Timeout == nil {
		return
	}
	nlog.Warningf("engine %s: state %q timed out", e.name, expectedState)
	if entry := e.findAction(expectedState, "timeout"); entry != nil {
		e.runAction(*entry, nil)
		return
	}
}

func (e *Engine) onKeepaliveTimeout(expectedState string) {
	if e.current != expectedState {
		return
	}
	s := e.states[expectedState]
	if s.Keepalive == nil {
		return
	}
	if e.peerAlive {
		e.peerAlive = false
		if err := e.sendKeepAliveReq(); err != nil {
			nlog.Warningf("engine %s: keep-alive-req send failed: %v", e.name, err)
		}
		e.r.AddTimer(keepaliveTimerName, s.Keepalive.Duration, func() { e.onKeepaliveTimeout(expectedState) })
		return
	}
	if s.Keepalive.Handler != nil {
		s.Keepalive.Handler()
	}
	e.transition(s.Keepalive.NextState)
}

// onMessage is the receive path (§4.6 steps 1-6), run on the reactor
// goroutine via reactor.AddSocket.
func (e *Engine) onMessage(msg wire.Message) {
	switch msg.Header {
	case wire.HdrKeepAliveRep:
		e.peerAlive = true
		return
	case wire.HdrKeepAliveReq:
		if err := e.wsk.Send(wire.Message{Header: wire.HdrKeepAliveRep, Addr: msg.Addr}); err != nil {
			nlog.Warningf("engine %s: keep-alive-rep send failed: %v", e.name, err)
		}
		return
	}

	entry := e.findMessage(e.current, msg.Header)
	if entry == nil {
		entry = e.findMessage(AnyState, msg.Header)
	}
	if entry == nil {
		nlog.Warningf("engine %s: message %q invalid in state %q", e.name, msg.Header, e.current)
		return
	}

	res := Ok()
	if entry.Handler != nil {
		res = entry.Handler(msg)
	}
	if !res.Ok {
		nlog.Warningf("engine %s: handler for %q failed: %v", e.name, msg.Header, res.Err)
		return
	}
	next := entry.NextState
	if res.Next != "" {
		next = res.Next
	}
	e.transition(next)
}

func (e *Engine) findMessage(state, header string) *MessageEntry {
	s, ok := e.states[state]
	if !ok {
		return nil
	}
	for i := range s.Messages {
		if s.Messages[i].Header == header {
			return &s.Messages[i]
		}
	}
	return nil
}

func (e *Engine) findAction(state, name string) *ActionEntry {
	s, ok := e.states[state]
	if !ok {
		return nil
	}
	for i := range s.Actions {
		if s.Actions[i].Name == name {
			return &s.Actions[i]
		}
	}
	return nil
}

// Action enqueues (name, args) to run on the reactor goroutine (§4.6
// action path). Dispatch happens asynchronously; callers on another
// goroutine never block past the reactor's command pipe.
func (e *Engine) Action(name string, args ...any) {
	e.r.Push(func() { e.dispatchAction(name, args) })
}

func (e *Engine) dispatchAction(name string, args []any) {
	entry := e.findAction(e.current, name)
	if entry == nil {
		entry = e.findAction(AnyState, name)
	}
	if entry == nil {
		nlog.Warningf("engine %s: action %q unmatched in state %q", e.name, name, e.current)
		return
	}
	e.runAction(*entry, args)
}

func (e *Engine) runAction(entry ActionEntry, args []any) {
	debug.Assert(entry.Handler != nil || entry.NextState != "", "engine: action entry with no handler and no transition")
	res := Ok()
	if entry.Handler != nil {
		res = entry.Handler(entry.Name, args)
	}
	if !res.Ok {
		nlog.Warningf("engine %s: action %q failed: %v", e.name, entry.Name, res.Err)
		if entry.ErrorState != "-" && entry.ErrorState != "" {
			e.transition(entry.ErrorState)
		}
		return
	}
	next := entry.NextState
	if res.Next != "" {
		next = res.Next
	}
	e.transition(next)
}

// Close leaves the current state, removes the engine's socket from the
// reactor and closes it. The reactor itself is left running.
func (e *Engine) Close() error {
	e.leave()
	e.r.RemoveSocket(e.name)
	return e.wsk.Close()
}
