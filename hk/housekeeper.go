// Package hk provides a single process-wide housekeeper: a min-heap of
// named, one-shot timers. Discovery's beacon emitter tick and its
// beacon-aging sweep (§4.3) register through it; reactor and engine timers
// use time.AfterFunc and do not.
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ddoucette/apphost/cmn/mono"
)

// NameSuffix is a suffix for telling housekeeper registration names apart
// from the name a caller uses for logging; no caller in this module
// appends it.
const NameSuffix = ".hk"

type entry struct {
	name   string
	fireAt int64 // mono.NanoTime() deadline
	fn     func()
	index  int
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].fireAt < h[j].fireAt }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *entryHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Housekeeper runs one goroutine that fires callbacks at their scheduled
// time, in order. A process normally uses the package-level default
// instance; New builds a separate one.
type Housekeeper struct {
	mu      sync.Mutex
	byName  map[string]*entry
	h       entryHeap
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
}

func New() *Housekeeper {
	k := &Housekeeper{
		byName: make(map[string]*entry),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	heap.Init(&k.h)
	go k.run()
	return k
}

// Reg schedules fn to run once after d, under name. A previous pending
// registration under the same name is replaced.
func (k *Housekeeper) Reg(name string, d time.Duration, fn func()) {
	k.mu.Lock()
	if old, ok := k.byName[name]; ok {
		heap.Remove(&k.h, old.index)
	}
	e := &entry{name: name, fireAt: mono.NanoTime() + int64(d), fn: fn}
	k.byName[name] = e
	heap.Push(&k.h, e)
	k.mu.Unlock()
	k.poke()
}

// Unreg cancels a pending registration, if any.
func (k *Housekeeper) Unreg(name string) {
	k.mu.Lock()
	if old, ok := k.byName[name]; ok {
		heap.Remove(&k.h, old.index)
		delete(k.byName, name)
	}
	k.mu.Unlock()
}

func (k *Housekeeper) poke() {
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

func (k *Housekeeper) Stop() {
	k.mu.Lock()
	if k.stopped {
		k.mu.Unlock()
		return
	}
	k.stopped = true
	k.mu.Unlock()
	close(k.stop)
}

func (k *Housekeeper) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		k.mu.Lock()
		var wait time.Duration = time.Hour
		if len(k.h) > 0 {
			wait = time.Duration(k.h[0].fireAt - mono.NanoTime())
			if wait < 0 {
				wait = 0
			}
		}
		k.mu.Unlock()

		timer.Reset(wait)
		select {
		case <-k.stop:
			return
		case <-k.wake:
		case <-timer.C:
		}

		now := mono.NanoTime()
		for {
			k.mu.Lock()
			if len(k.h) == 0 || k.h[0].fireAt > now {
				k.mu.Unlock()
				break
			}
			e := heap.Pop(&k.h).(*entry)
			delete(k.byName, e.name)
			k.mu.Unlock()
			e.fn()
		}
	}
}

var (
	defOnce sync.Once
	def     *Housekeeper
)

func def_() *Housekeeper {
	defOnce.Do(func() { def = New() })
	return def
}

func Reg(name string, d time.Duration, fn func()) { def_().Reg(name, d, fn) }
func Unreg(name string)                            { def_().Unreg(name) }
