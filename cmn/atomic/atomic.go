// Package atomic provides small typed wrappers over sync/atomic, matching
// the call shape used throughout this codebase (rtie atomic.Uint32, refc
// *atomic.Int32, alive atomic.Bool, ...) instead of bare ratomic.*Int64
// calls scattered at each use site.
package atomic

import "sync/atomic"

type Int32 struct{ v atomic.Int32 }

func (i *Int32) Load() int32        { return i.v.Load() }
func (i *Int32) Store(val int32)    { i.v.Store(val) }
func (i *Int32) Add(delta int32) int32 { return i.v.Add(delta) }
func (i *Int32) CAS(old, new int32) bool { return i.v.CompareAndSwap(old, new) }
func (i *Int32) Swap(new int32) int32  { return i.v.Swap(new) }

type Int64 struct{ v atomic.Int64 }

func (i *Int64) Load() int64           { return i.v.Load() }
func (i *Int64) Store(val int64)       { i.v.Store(val) }
func (i *Int64) Add(delta int64) int64 { return i.v.Add(delta) }
func (i *Int64) CAS(old, new int64) bool { return i.v.CompareAndSwap(old, new) }

type Uint32 struct{ v atomic.Uint32 }

func (u *Uint32) Load() uint32            { return u.v.Load() }
func (u *Uint32) Store(val uint32)        { u.v.Store(val) }
func (u *Uint32) Add(delta uint32) uint32 { return u.v.Add(delta) }

type Uint64 struct{ v atomic.Uint64 }

func (u *Uint64) Load() uint64            { return u.v.Load() }
func (u *Uint64) Store(val uint64)        { u.v.Store(val) }
func (u *Uint64) Add(delta uint64) uint64 { return u.v.Add(delta) }

type Bool struct{ v atomic.Bool }

func (b *Bool) Load() bool         { return b.v.Load() }
func (b *Bool) Store(val bool)     { b.v.Store(val) }
func (b *Bool) CAS(old, new bool) bool { return b.v.CompareAndSwap(old, new) }

type Pointer[T any] struct{ v atomic.Pointer[T] }

func (p *Pointer[T]) Load() *T     { return p.v.Load() }
func (p *Pointer[T]) Store(val *T) { p.v.Store(val) }
