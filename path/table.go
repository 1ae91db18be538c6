// Package path 按 (远端地址, 本地 socket) 维护路径，并定期清理和保活。
package path

import (
	"context"
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/lxt1045/localsocket/config"
	"github.com/lxt1045/localsocket/log"
	"github.com/lxt1045/localsocket/socket"
	cmap "github.com/orcaman/concurrent-map/v2"
)

const (
	DefaultKeepaliveInterval = 20 * time.Second
	DefaultExpiration        = 2*DefaultKeepaliveInterval + 10*time.Second
	DefaultServiceInterval   = time.Second
)

// Key 句柄只比较 ID，socket 释放后 key 不变
type Key struct {
	Endpoint netip.AddrPort
	Socket   socket.ID
}

func shard(k Key) uint32 {
	var b [26]byte
	a16 := k.Endpoint.Addr().As16()
	copy(b[:16], a16[:])
	binary.LittleEndian.PutUint16(b[16:18], k.Endpoint.Port())
	binary.LittleEndian.PutUint64(b[18:], uint64(k.Socket))
	return uint32(xxhash.Sum64(b[:]))
}

type Table struct {
	conf  config.Path
	clock clock.Clock
	paths cmap.ConcurrentMap[Key, *Path]
}

type Option func(*Table)

func WithClock(c clock.Clock) Option {
	return func(t *Table) {
		t.clock = c
	}
}

func NewTable(conf config.Path, opts ...Option) *Table {
	if conf.KeepaliveInterval <= 0 {
		conf.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if conf.Expiration <= 0 {
		conf.Expiration = DefaultExpiration
	}
	if conf.ServiceInterval <= 0 {
		conf.ServiceInterval = DefaultServiceInterval
	}
	t := &Table{
		conf:  conf,
		clock: clock.New(),
		paths: cmap.NewWithCustomShardingFunction[Key, *Path](shard),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func keyOf(ep netip.AddrPort, local *socket.LocalSocket) Key {
	return Key{
		Endpoint: netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port()),
		Socket:   local.ID(),
	}
}

// Canonical 返回 (ep, local) 对应的路径，不存在时创建
func (t *Table) Canonical(ep netip.AddrPort, local *socket.LocalSocket) *Path {
	k := keyOf(ep, local)
	if p, ok := t.paths.Get(k); ok {
		return p
	}
	return t.paths.Upsert(k, nil, func(exist bool, old, _ *Path) *Path {
		if exist {
			return old
		}
		return newPath(k.Endpoint, local, t.clock)
	})
}

func (t *Table) Get(ep netip.AddrPort, local *socket.LocalSocket) (*Path, bool) {
	return t.paths.Get(keyOf(ep, local))
}

func (t *Table) Len() int {
	return t.paths.Count()
}

// Range fn 返回 false 时停止
func (t *Table) Range(fn func(p *Path) bool) {
	for item := range t.paths.IterBuffered() {
		if !fn(item.Val) {
			return
		}
	}
}

func (t *Table) Remove(ep netip.AddrPort, local *socket.LocalSocket) bool {
	p, ok := t.paths.Pop(keyOf(ep, local))
	if ok {
		p.local.Release()
	}
	return ok
}

// remove 只删除 key 当前仍指向 p 的情况
func (t *Table) remove(k Key, p *Path) bool {
	removed := t.paths.RemoveCb(k, func(_ Key, v *Path, exists bool) bool {
		return exists && v == p
	})
	if removed {
		p.local.Release()
	}
	return removed
}

type Stats struct {
	Dead       int // 本地 socket 已释放
	Expired    int // 太久没有收到数据
	Keepalives int
}

// Service 清理失效路径，并对空闲路径发送一个字节的保活包
func (t *Table) Service(ctx context.Context, sender Sender) (st Stats) {
	now := t.clock.Now()
	var keepalive []*Path
	for item := range t.paths.IterBuffered() {
		p := item.Val
		switch {
		case !p.local.Valid():
			if t.remove(item.Key, p) {
				st.Dead++
			}
		case now.Sub(p.LastReceive()) >= t.conf.Expiration:
			if t.remove(item.Key, p) {
				st.Expired++
			}
		case now.Sub(p.LastSend()) >= t.conf.KeepaliveInterval:
			keepalive = append(keepalive, p)
		}
	}

	buf := []byte{byte(now.UnixMilli())}
	for _, p := range keepalive {
		if p.Send(ctx, sender, buf, 0) {
			st.Keepalives++
		}
	}
	if st.Dead+st.Expired > 0 {
		log.Ctx(ctx).Debug().Int("dead", st.Dead).Int("expired", st.Expired).
			Int("keepalives", st.Keepalives).Int("paths", t.Len()).Msg("path service")
	}
	return
}

// Run 每 ServiceInterval 执行一次 Service，直到 ctx 结束
func (t *Table) Run(ctx context.Context, sender Sender) error {
	ticker := t.clock.Ticker(t.conf.ServiceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Service(ctx, sender)
		}
	}
}

// Close 释放所有路径持有的句柄
func (t *Table) Close() {
	for item := range t.paths.IterBuffered() {
		t.remove(item.Key, item.Val)
	}
}
