// Package arc 提供带强/弱引用计数的共享所有权容器。
//
// Arc 持有强引用，Weak 持有弱引用；强引用归零时执行 drop 回调，
// 之后所有 Weak.Upgrade 都失败。
package arc

import (
	"sync/atomic"
)

type cell[T any] struct {
	v      T
	strong atomic.Int64
	weak   atomic.Int64
	drop   func(T)
}

// Arc 强引用；每个 *Arc 只能 Release 一次，多次调用无副作用
type Arc[T any] struct {
	c        *cell[T]
	released atomic.Bool
}

// Weak 弱引用，不延长对象生命周期
type Weak[T any] struct {
	c        *cell[T]
	released atomic.Bool
}

func New[T any](v T, drop func(T)) *Arc[T] {
	c := &cell[T]{v: v, drop: drop}
	c.strong.Store(1)
	return &Arc[T]{c: c}
}

// Get 返回被管理的对象; Release 之后不得再调用
func (a *Arc[T]) Get() T {
	return a.c.v
}

// Clone 强引用已归零(对象已 drop)时返回 nil
func (a *Arc[T]) Clone() *Arc[T] {
	if a.released.Load() {
		return nil
	}
	if !a.c.retain() {
		return nil
	}
	return &Arc[T]{c: a.c}
}

func (a *Arc[T]) Downgrade() *Weak[T] {
	a.c.weak.Add(1)
	return &Weak[T]{c: a.c}
}

func (a *Arc[T]) Release() {
	if a.released.Swap(true) {
		return
	}
	if a.c.strong.Add(-1) != 0 {
		return
	}
	v := a.c.v
	var zero T
	a.c.v = zero
	if a.c.drop != nil {
		a.c.drop(v)
	}
}

func (a *Arc[T]) StrongCount() int64 {
	return a.c.strong.Load()
}

func (a *Arc[T]) WeakCount() int64 {
	return weakCount(a.c)
}

// Upgrade 强引用计数非零时才加一，保证返回的对象在调用时刻仍然有效
func (w *Weak[T]) Upgrade() (*Arc[T], bool) {
	if w == nil || w.released.Load() || !w.c.retain() {
		return nil, false
	}
	return &Arc[T]{c: w.c}, true
}

// Clone 复制弱引用; 已 Release 的 Weak 复制出来的也是空引用
func (w *Weak[T]) Clone() *Weak[T] {
	nw := &Weak[T]{c: w.c}
	if w.released.Load() {
		nw.released.Store(true)
		return nw
	}
	w.c.weak.Add(1)
	return nw
}

func (w *Weak[T]) Release() {
	if w.released.Swap(true) {
		return
	}
	w.c.weak.Add(-1)
}

func (w *Weak[T]) StrongCount() int64 {
	return w.c.strong.Load()
}

// WeakCount 统计所有未释放的弱引用(含自身); 强引用归零后返回 0
func (w *Weak[T]) WeakCount() int64 {
	return weakCount(w.c)
}

// Same 两个弱引用是否指向同一个对象
func (w *Weak[T]) Same(o *Weak[T]) bool {
	return w != nil && o != nil && w.c == o.c
}

// retain 强引用计数非零时加一
func (c *cell[T]) retain() bool {
	for {
		n := c.strong.Load()
		if n <= 0 {
			return false
		}
		if c.strong.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func weakCount[T any](c *cell[T]) int64 {
	if c.strong.Load() <= 0 {
		return 0
	}
	return c.weak.Load()
}
