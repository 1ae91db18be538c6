package pool

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lxt1045/localsocket/config"
	"github.com/lxt1045/localsocket/socket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

type packet struct {
	local *socket.LocalSocket
	from  netip.AddrPort
	data  string
}

type recorder struct {
	ch chan packet
}

func (r *recorder) Packet(ctx context.Context, local *socket.LocalSocket, from netip.AddrPort, data []byte) {
	r.ch <- packet{local: local.Clone(), from: from, data: string(data)}
}

func newPool(t *testing.T, conf config.Pool, h Handler) *Pool {
	t.Helper()
	p, err := New(context.Background(), conf, h)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func localAddr(t *testing.T, l *socket.LocalSocket) netip.AddrPort {
	t.Helper()
	var addr netip.AddrPort
	require.True(t, l.Do(func(s *socket.UDPSocket) { addr = s.LocalAddr() }))
	return addr
}

// freePort 返回一个当前空闲的端口
func freePort(t *testing.T) int {
	t.Helper()
	s, err := socket.Listen(context.Background(), loopback, "")
	require.NoError(t, err)
	defer s.Close()
	return int(s.LocalAddr().Port())
}

func TestBind(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, config.Pool{}, nil)

	h1, err := p.Bind(ctx, loopback, "lo")
	require.NoError(t, err)
	addr := localAddr(t, h1)
	assert.Equal(t, 1, p.Len())

	h2, err := p.Bind(ctx, addr, "lo")
	require.NoError(t, err)
	assert.True(t, h1.Equal(h2), "same socket, same identity")
	assert.Equal(t, h1.Hash(), h2.Hash())
	assert.Equal(t, 1, p.Len())

	h3, ok := p.Handle(addr)
	require.True(t, ok)
	assert.True(t, h3.Equal(h1))
	_, ok = p.Handle(netip.MustParseAddrPort("127.0.0.1:1"))
	assert.False(t, ok)

	other, err := p.Bind(ctx, loopback, "lo")
	require.NoError(t, err)
	assert.False(t, other.Equal(h1))

	hs := p.Handles()
	assert.Len(t, hs, 2)
	for _, h := range hs {
		assert.True(t, h.Valid())
		h.Release()
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(p.metrics.bound))
}

func TestRetire(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, config.Pool{}, nil)

	h, err := p.Bind(ctx, loopback, "lo")
	require.NoError(t, err)
	addr := localAddr(t, h)
	assert.True(t, p.InUse(addr))

	clone := h.Clone()
	assert.Equal(t, int64(2), h.WeakCount())
	clone.Release()
	h.Release()
	assert.False(t, p.InUse(addr), "no handle holders left")

	h, _ = p.Handle(addr)
	held, ok := h.Resolve()
	require.True(t, ok)

	assert.True(t, p.Retire(ctx, addr))
	assert.False(t, p.Retire(ctx, addr))
	assert.Equal(t, 0, p.Len())
	assert.False(t, p.InUse(addr))

	assert.True(t, h.Valid(), "temporary strong reference keeps the socket alive")
	assert.False(t, held.Get().Closed())

	sock := held.Get()
	held.Release()
	assert.True(t, sock.Closed())
	_, ok = h.Resolve()
	assert.False(t, ok)
	assert.Equal(t, socket.Unbound, h.String())
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.retired))
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{ch: make(chan packet, 16)}
	p := newPool(t, config.Pool{Workers: 4}, rec)

	a, err := p.Bind(ctx, loopback, "lo")
	require.NoError(t, err)
	b, err := p.Bind(ctx, loopback, "lo")
	require.NoError(t, err)
	bAddr := localAddr(t, b)

	assert.True(t, p.Send(ctx, a, bAddr, []byte("ping"), 0))
	select {
	case pkt := <-rec.ch:
		assert.Equal(t, "ping", pkt.data)
		assert.Equal(t, localAddr(t, a), pkt.from)
		assert.True(t, pkt.local.Equal(b), "received on b")
		pkt.local.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}

	// 没有指定 local 时从每个同地址族的 socket 各发一次
	assert.True(t, p.Send(ctx, nil, bAddr, []byte("all"), 0))
	for i := 0; i < 2; i++ {
		select {
		case pkt := <-rec.ch:
			assert.Equal(t, "all", pkt.data)
			pkt.local.Release()
		case <-time.After(2 * time.Second):
			t.Fatal("timeout")
		}
	}
	assert.False(t, p.Send(ctx, nil, netip.MustParseAddrPort("[::1]:9993"), []byte("v6"), 0))

	p.Retire(ctx, localAddr(t, a))
	assert.False(t, p.Send(ctx, a, bAddr, []byte("gone"), 0), "retired handle never falls back")
	assert.Equal(t, float64(3), testutil.ToFloat64(p.metrics.txPackets))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.txErrors))
}

func TestHandlerHandle(t *testing.T) {
	ctx := context.Background()
	var (
		mu   sync.Mutex
		seen *socket.LocalSocket
		done = make(chan struct{})
	)
	p := newPool(t, config.Pool{}, HandlerFunc(func(ctx context.Context, local *socket.LocalSocket, from netip.AddrPort, data []byte) {
		mu.Lock()
		seen = local
		mu.Unlock()
		close(done)
	}))
	h, err := p.Bind(ctx, loopback, "lo")
	require.NoError(t, err)
	addr := localAddr(t, h)
	h.Release()

	require.True(t, p.Send(ctx, nil, addr, []byte{1}, 0))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}
	require.Eventually(t, func() bool { return !p.InUse(addr) }, 2*time.Second, 10*time.Millisecond,
		"handles minted for the handler are released after it returns")
	mu.Lock()
	assert.Equal(t, int64(0), seen.WeakCount())
	mu.Unlock()
}

func TestBindPort(t *testing.T) {
	ctx := context.Background()
	port := freePort(t)

	p := newPool(t, config.Pool{PortSearch: true}, nil)
	h, err := p.BindPort(ctx, loopback.Addr(), port)
	require.NoError(t, err)
	assert.Equal(t, port, int(localAddr(t, h).Port()))

	// 主端口被占用，随机选一个
	q := newPool(t, config.Pool{PortSearch: true}, nil)
	h2, err := q.BindPort(ctx, loopback.Addr(), port)
	require.NoError(t, err)
	got := int(localAddr(t, h2).Port())
	assert.NotEqual(t, port, got)
	assert.GreaterOrEqual(t, got, portSearchBase)
	assert.Less(t, got, portSearchBase+portSearchRange)

	r := newPool(t, config.Pool{}, nil)
	_, err = r.BindPort(ctx, loopback.Addr(), port)
	assert.Error(t, err)
}

func TestUpdateBindings(t *testing.T) {
	ctx := context.Background()
	port := freePort(t)
	ifaces := psnet.InterfaceStatList{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: psnet.InterfaceAddrList{
			{Addr: "127.0.0.1/8"}, {Addr: "127.0.0.2/8"}, {Addr: "::1/128"},
		}},
		{Name: "docker0", Flags: []string{"up"}, Addrs: psnet.InterfaceAddrList{{Addr: "172.17.0.1/16"}}},
		{Name: "eth9", Flags: []string{"broadcast"}, Addrs: psnet.InterfaceAddrList{{Addr: "10.99.0.1/24"}}},
	}

	p := newPool(t, config.Pool{
		BindLoopback:             true,
		InterfacePrefixBlacklist: []string{"docker"},
		CIDRBlacklist:            []string{"::1/128"},
	}, nil)
	p.interfaces = func(context.Context) (psnet.InterfaceStatList, error) { return ifaces, nil }

	added, retired, err := p.UpdateBindings(ctx, port)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 0, retired)
	a1 := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))
	a2 := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.2"), uint16(port))
	h2, ok := p.Handle(a2)
	require.True(t, ok)
	h2.Release()
	assert.False(t, p.InUse(a2))

	// 127.0.0.2 消失
	ifaces[0].Addrs = psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}
	added, retired, err = p.UpdateBindings(ctx, port)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 1, retired)
	_, ok = p.Handle(a1)
	assert.True(t, ok)
	assert.False(t, h2.Valid())

	q := newPool(t, config.Pool{}, nil)
	q.interfaces = p.interfaces
	added, _, err = q.UpdateBindings(ctx, port+1)
	require.NoError(t, err)
	assert.Equal(t, 0, added, "loopback skipped by default")

	_, _, err = q.UpdateBindings(ctx, 0)
	assert.Error(t, err)
}

func TestUsableAddr(t *testing.T) {
	bl, err := parseCIDRs([]string{"10.0.0.0/8", " "})
	require.NoError(t, err)
	for addr, want := range map[string]bool{
		"192.168.1.2/24": true,
		"10.1.2.3/16":    false,
		"fe80::1/64":     false,
		"224.0.0.1/4":    false,
		"2001:db8::1":    true,
		"garbage":        false,
	} {
		_, ok := usableAddr(addr, bl)
		assert.Equal(t, want, ok, addr)
	}
	_, err = parseCIDRs([]string{"10.0.0.0/33"})
	assert.Error(t, err)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, config.Pool{ReadBuffer: "64K", WriteBuffer: "64K"}, nil)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	require.NoError(t, p.Register(reg))
	assert.Error(t, p.Register(reg))

	h, err := p.Bind(ctx, loopback, "lo")
	require.NoError(t, err)
	held, ok := h.Resolve()
	require.True(t, ok)

	require.NoError(t, p.Close(ctx))
	assert.Equal(t, ErrPoolClosed, p.Close(ctx))
	assert.True(t, held.Get().Closed())
	held.Release()

	assert.False(t, h.Valid())
	_, err = p.Bind(ctx, loopback, "lo")
	assert.Equal(t, ErrPoolClosed, err)
	_, err = p.BindPort(ctx, loopback.Addr(), 0)
	assert.Equal(t, ErrPoolClosed, err)
	assert.False(t, p.Send(ctx, nil, loopback, []byte{1}, 0))
	assert.Equal(t, 0, p.Len())

	_, err = New(ctx, config.Pool{ReadBuffer: "lots"}, nil)
	assert.Error(t, err)
}

func TestBindMapped(t *testing.T) {
	ctx := context.Background()
	p := newPool(t, config.Pool{}, nil)

	h1, err := p.Bind(ctx, loopback, "lo")
	require.NoError(t, err)
	addr := localAddr(t, h1)
	mapped := netip.AddrPortFrom(netip.AddrFrom16(addr.Addr().As16()), addr.Port())
	require.True(t, mapped.Addr().Is4In6())

	h2, err := p.Bind(ctx, mapped, "lo")
	require.NoError(t, err)
	assert.True(t, h2.Equal(h1), "mapped form reuses the IPv4 socket")
	assert.Equal(t, 1, p.Len())

	h3, ok := p.Handle(mapped)
	require.True(t, ok)
	assert.True(t, h3.Equal(h1))
	assert.True(t, p.InUse(mapped))

	assert.True(t, p.Retire(ctx, mapped))
	assert.Equal(t, 0, p.Len())
	assert.False(t, h1.Valid())
}

func TestCloseWaitsForHandlers(t *testing.T) {
	ctx := context.Background()
	var started, finished atomic.Int32
	p, err := New(ctx, config.Pool{}, HandlerFunc(func(ctx context.Context, local *socket.LocalSocket, from netip.AddrPort, data []byte) {
		started.Add(1)
		time.Sleep(300 * time.Millisecond)
		finished.Add(1)
	}))
	require.NoError(t, err)

	h, err := p.Bind(ctx, loopback, "lo")
	require.NoError(t, err)
	addr := localAddr(t, h)
	require.True(t, p.Send(ctx, nil, addr, []byte{1}, 0))
	require.Eventually(t, func() bool { return started.Load() == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, p.Close(ctx))
	assert.Equal(t, int32(1), finished.Load(), "handler returned before Close")
}

func TestCloseTimeout(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p, err := New(ctx, config.Pool{}, HandlerFunc(func(ctx context.Context, local *socket.LocalSocket, from netip.AddrPort, data []byte) {
		started <- struct{}{}
		<-release
	}))
	require.NoError(t, err)
	defer close(release)

	h, err := p.Bind(ctx, loopback, "lo")
	require.NoError(t, err)
	require.True(t, p.Send(ctx, nil, localAddr(t, h), []byte{1}, 0))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Close(cctx))
}

func TestSleep(t *testing.T) {
	assert.True(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.False(t, sleep(ctx, time.Hour))
	assert.Less(t, time.Since(start), time.Second)
}
