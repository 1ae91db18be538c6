package socket

import (
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/lxt1045/localsocket/arc"
)

// Unbound 句柄已失效时 String() 的返回值
const Unbound = "unbound"

// ID 句柄标识，只用于比较和哈希，和系统 fd 无关
type ID int64

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 16)
}

// LocalSocket 指向 pool 中某个 UDPSocket 的句柄。
//
// 句柄只持有弱引用，不影响 socket 的生命周期；pool 释放 socket 后句柄不再能
// Resolve，但 ID、Equal 和 Hash 不变，可以继续作为 map 的 key 使用。
// 要长期保存句柄请 Clone，用完 Release。
type LocalSocket struct {
	id  ID
	ref *arc.Weak[*UDPSocket]
}

// NewLocalSocket 由 socket 的持有者调用，id 由持有者保证在存活句柄中唯一
func NewLocalSocket(id ID, owner *arc.Arc[*UDPSocket]) *LocalSocket {
	return &LocalSocket{
		id:  id,
		ref: owner.Downgrade(),
	}
}

func (l *LocalSocket) ID() ID {
	if l == nil {
		return 0
	}
	return l.id
}

// Resolve 取得 socket 的临时强引用，调用方用完后 Release
func (l *LocalSocket) Resolve() (*arc.Arc[*UDPSocket], bool) {
	if l == nil || l.ref == nil {
		return nil, false
	}
	return l.ref.Upgrade()
}

// Do 在 socket 存活时调用 fn
func (l *LocalSocket) Do(fn func(s *UDPSocket)) bool {
	s, ok := l.Resolve()
	if !ok {
		return false
	}
	defer s.Release()
	fn(s.Get())
	return true
}

// Valid socket 是否还被 pool 持有
func (l *LocalSocket) Valid() bool {
	if l == nil || l.ref == nil {
		return false
	}
	return l.ref.StrongCount() > 0
}

// WeakCount 指向同一个 socket 的所有未释放句柄数(含自身); socket 释放后为 0
func (l *LocalSocket) WeakCount() int64 {
	if l == nil || l.ref == nil {
		return 0
	}
	return l.ref.WeakCount()
}

// InUse 按弱引用计数判断 socket 是否还有句柄持有者; 只是启发式判断
func (l *LocalSocket) InUse() bool {
	return l.WeakCount() > 0
}

func (l *LocalSocket) Equal(o *LocalSocket) bool {
	if l == nil || o == nil {
		return l == o
	}
	return l.id == o.id
}

func (l *LocalSocket) Hash() uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(l.ID()))
	return xxhash.Sum64(b[:])
}

// Clone 复制弱引用和 ID，不复制 socket
func (l *LocalSocket) Clone() *LocalSocket {
	if l == nil {
		return nil
	}
	c := &LocalSocket{id: l.id}
	if l.ref != nil {
		c.ref = l.ref.Clone()
	}
	return c
}

// Release 释放句柄自身的弱引用，可重复调用
func (l *LocalSocket) Release() {
	if l == nil || l.ref == nil {
		return
	}
	l.ref.Release()
}

// String 只用于日志; 不同的失效句柄输出相同
func (l *LocalSocket) String() string {
	s, ok := l.Resolve()
	if !ok {
		return Unbound
	}
	defer s.Release()
	return s.Get().String()
}
