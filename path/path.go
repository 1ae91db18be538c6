package path

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lxt1045/localsocket/socket"
)

// Sender 发送一个数据包; 实现方是 pool.Pool
type Sender interface {
	Send(ctx context.Context, local *socket.LocalSocket, to netip.AddrPort, data []byte, ttl int) bool
}

// Path 一条 (远端地址, 本地 socket) 路径
type Path struct {
	endpoint netip.AddrPort
	local    *socket.LocalSocket // Table 持有的 clone，Remove 时释放
	clock    clock.Clock
	created  time.Time

	lastSend atomic.Int64 // UnixNano
	lastRecv atomic.Int64
}

func newPath(ep netip.AddrPort, local *socket.LocalSocket, c clock.Clock) *Path {
	now := c.Now()
	p := &Path{
		endpoint: ep,
		local:    local.Clone(),
		clock:    c,
		created:  now,
	}
	p.lastSend.Store(now.UnixNano())
	p.lastRecv.Store(now.UnixNano())
	return p
}

func (p *Path) Endpoint() netip.AddrPort {
	return p.endpoint
}

// Local 返回路径上的句柄，只在 Path 还在 Table 中时有效; 需要保留时 Clone
func (p *Path) Local() *socket.LocalSocket {
	return p.local
}

func (p *Path) Created() time.Time {
	return p.created
}

func (p *Path) Received() {
	p.lastRecv.Store(p.clock.Now().UnixNano())
}

func (p *Path) Sent() {
	p.lastSend.Store(p.clock.Now().UnixNano())
}

func (p *Path) LastReceive() time.Time {
	return time.Unix(0, p.lastRecv.Load())
}

func (p *Path) LastSend() time.Time {
	return time.Unix(0, p.lastSend.Load())
}

// Send 只通过本路径的 socket 发送，socket 已释放时返回 false
func (p *Path) Send(ctx context.Context, sender Sender, data []byte, ttl int) bool {
	if !sender.Send(ctx, p.local, p.endpoint, data, ttl) {
		return false
	}
	p.Sent()
	return true
}

func (p *Path) String() string {
	return p.endpoint.String() + "@" + p.local.String()
}
