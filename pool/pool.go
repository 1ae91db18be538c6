// Package pool 持有所有已绑定的 UDP socket，对外只发放 socket.LocalSocket 句柄。
//
// 每个 socket 在 pool 中只有一个强引用; Retire 之后已发放的句柄都不能再
// Resolve，系统 socket 在最后一个临时强引用释放时关闭。
package pool

import (
	"context"
	"math/rand/v2"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lxt1045/errors"
	"github.com/lxt1045/localsocket/arc"
	"github.com/lxt1045/localsocket/config"
	"github.com/lxt1045/localsocket/gid"
	"github.com/lxt1045/localsocket/log"
	"github.com/lxt1045/localsocket/socket"
	"github.com/panjf2000/ants/v2"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sync/errgroup"
)

const (
	portSearchBase  = 4096
	portSearchRange = 16384
	portSearchTries = 256

	defaultPacketBuffer = 16384
	defaultWorkers      = 1024

	readRetryMin = time.Millisecond
	readRetryMax = time.Second
)

// Handler 处理收到的数据包。
// local 和 data 只在调用期间有效，需要保留时 local.Clone()、复制 data
type Handler interface {
	Packet(ctx context.Context, local *socket.LocalSocket, from netip.AddrPort, data []byte)
}

type HandlerFunc func(ctx context.Context, local *socket.LocalSocket, from netip.AddrPort, data []byte)

func (f HandlerFunc) Packet(ctx context.Context, local *socket.LocalSocket, from netip.AddrPort, data []byte) {
	f(ctx, local, from, data)
}

type binding struct {
	id      socket.ID
	owner   *arc.Arc[*socket.UDPSocket]
	sock    *socket.UDPSocket // reader 直接使用，不经过 owner
	retired atomic.Bool
}

type Pool struct {
	conf    config.Pool
	handler Handler
	opts    []socket.Option

	sync.Mutex
	bindings map[netip.AddrPort]*binding
	closed   bool

	ctx      context.Context
	cancel   context.CancelFunc
	readers  *errgroup.Group
	workers  *ants.Pool
	inflight sync.WaitGroup // 已提交还未返回的 Handler
	metrics  *metrics

	interfaces func(ctx context.Context) (psnet.InterfaceStatList, error)
}

func New(ctx context.Context, conf config.Pool, handler Handler) (p *Pool, err error) {
	if conf.PacketBuffer <= 0 {
		conf.PacketBuffer = defaultPacketBuffer
	}
	if conf.Workers <= 0 {
		conf.Workers = defaultWorkers
	}
	if handler == nil {
		handler = HandlerFunc(func(context.Context, *socket.LocalSocket, netip.AddrPort, []byte) {})
	}
	rbuf, err := parseBuffer(conf.ReadBuffer)
	if err != nil {
		return
	}
	wbuf, err := parseBuffer(conf.WriteBuffer)
	if err != nil {
		return
	}

	workers, err := ants.NewPool(conf.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(e interface{}) {
			log.DeferLogger(ctx, 0, nil, e).Msg("packet handler panic")
		}),
	)
	if err != nil {
		err = errors.Errorf(err.Error())
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	readers, ctx := errgroup.WithContext(ctx)
	p = &Pool{
		conf:    conf,
		handler: handler,
		opts: []socket.Option{
			socket.WithReusePort(conf.ReusePort),
			socket.WithBuffers(int(rbuf), int(wbuf)),
		},
		bindings:   make(map[netip.AddrPort]*binding),
		ctx:        ctx,
		cancel:     cancel,
		readers:    readers,
		workers:    workers,
		metrics:    newMetrics(),
		interfaces: psnet.InterfacesWithContext,
	}
	return
}

// parseBuffer 为空时使用系统默认值
func parseBuffer(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return config.ParseBytes(s, 0)
}

// Bind 绑定 addr 并返回句柄; addr 已经绑定过时直接返回同一个 socket 的句柄
func (p *Pool) Bind(ctx context.Context, addr netip.AddrPort, iface string) (l *socket.LocalSocket, err error) {
	addr = unmap(addr)
	p.Lock()
	defer p.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if b, ok := p.bindings[addr]; ok {
		return socket.NewLocalSocket(b.id, b.owner), nil
	}

	s, err := socket.Listen(ctx, addr, iface, p.opts...)
	if err != nil {
		return
	}
	b := &binding{
		id:    socket.ID(gid.GetGID()),
		owner: arc.New(s, func(s *socket.UDPSocket) { s.Close() }),
		sock:  s,
	}
	// 端口为 0 时按系统分配的地址记录
	addr = s.LocalAddr()
	if old, ok := p.bindings[addr]; ok {
		b.owner.Release()
		return socket.NewLocalSocket(old.id, old.owner), nil
	}
	p.bindings[addr] = b
	p.metrics.bound.Inc()
	p.readers.Go(func() error {
		return p.read(b)
	})

	log.Ctx(ctx).Info().Str("addr", addr.String()).Str("iface", iface).
		Str("id", b.id.String()).Msg("socket bound")
	return socket.NewLocalSocket(b.id, b.owner), nil
}

// BindPort 在 ip 上绑定 port; 开启 PortSearch 时 port 不可用则随机找一个
func (p *Pool) BindPort(ctx context.Context, ip netip.Addr, port int) (l *socket.LocalSocket, err error) {
	l, err = p.Bind(ctx, netip.AddrPortFrom(ip, uint16(port)), "")
	if err == nil || !p.conf.PortSearch || err == ErrPoolClosed {
		return
	}
	first := err
	for i := 0; i < portSearchTries; i++ {
		p.metrics.portSearch.Inc()
		port = portSearchBase + rand.IntN(portSearchRange)
		l, err = p.Bind(ctx, netip.AddrPortFrom(ip, uint16(port)), "")
		if err == nil {
			log.Ctx(ctx).Warn().Err(first).Int("port", port).Msg("primary port unavailable, using random port")
			return
		}
	}
	log.Ctx(ctx).Error().Err(first).Msg("port search failed")
	return nil, ErrNoPort
}

// unmap 和 socket.Listen 一致，IPv4-mapped 地址按 IPv4 记录
func unmap(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// Handle 为已绑定的 addr 发放一个新句柄
func (p *Pool) Handle(addr netip.AddrPort) (*socket.LocalSocket, bool) {
	p.Lock()
	defer p.Unlock()
	b, ok := p.bindings[unmap(addr)]
	if !ok {
		return nil, false
	}
	return socket.NewLocalSocket(b.id, b.owner), true
}

// Handles 为每个已绑定的 socket 发放一个句柄，按地址排序
func (p *Pool) Handles() []*socket.LocalSocket {
	p.Lock()
	addrs := make([]netip.AddrPort, 0, len(p.bindings))
	for addr := range p.bindings {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].Compare(addrs[j]) < 0
	})
	ls := make([]*socket.LocalSocket, 0, len(addrs))
	for _, addr := range addrs {
		b := p.bindings[addr]
		ls = append(ls, socket.NewLocalSocket(b.id, b.owner))
	}
	p.Unlock()
	return ls
}

func (p *Pool) Len() int {
	p.Lock()
	defer p.Unlock()
	return len(p.bindings)
}

// Retire 释放 pool 对 addr 的强引用
func (p *Pool) Retire(ctx context.Context, addr netip.AddrPort) bool {
	addr = unmap(addr)
	p.Lock()
	b, ok := p.bindings[addr]
	if ok {
		delete(p.bindings, addr)
	}
	p.Unlock()
	if !ok {
		return false
	}
	p.retire(ctx, b)
	return true
}

func (p *Pool) retire(ctx context.Context, b *binding) {
	if b.retired.Swap(true) {
		return
	}
	inUse := b.owner.WeakCount() > 0
	b.owner.Release()
	p.metrics.bound.Dec()
	p.metrics.retired.Inc()
	log.Ctx(ctx).Info().Str("addr", b.sock.LocalAddr().String()).
		Str("id", b.id.String()).Bool("in_use", inUse).Msg("socket retired")
}

// InUse addr 对应的 socket 是否还有句柄持有者; 为 false 时调用方可以放心 Retire
func (p *Pool) InUse(addr netip.AddrPort) bool {
	p.Lock()
	defer p.Unlock()
	b, ok := p.bindings[unmap(addr)]
	if !ok {
		return false
	}
	return b.owner.WeakCount() > 0
}

// Send 发送一个数据包。
// local 不为空时只从该 socket 发送，句柄失效则不发送;
// local 为空时从所有与 to 同地址族的 socket 各发一次。
// 至少成功发送一次时返回 true
func (p *Pool) Send(ctx context.Context, local *socket.LocalSocket, to netip.AddrPort, data []byte, ttl int) (sent bool) {
	if local != nil {
		var err error
		ok := local.Do(func(s *socket.UDPSocket) {
			err = s.Send(to, data, ttl)
		})
		return p.sent(ctx, local.String(), to, ok, err)
	}

	p.Lock()
	if p.closed {
		p.Unlock()
		return false
	}
	owners := make([]*arc.Arc[*socket.UDPSocket], 0, len(p.bindings))
	for _, b := range p.bindings {
		if !b.sock.Accepts(to) {
			continue
		}
		if owner := b.owner.Clone(); owner != nil {
			owners = append(owners, owner)
		}
	}
	p.Unlock()

	for _, owner := range owners {
		s := owner.Get()
		err := s.Send(to, data, ttl)
		owner.Release()
		if p.sent(ctx, s.String(), to, true, err) {
			sent = true
		}
	}
	return
}

func (p *Pool) sent(ctx context.Context, from string, to netip.AddrPort, resolved bool, err error) bool {
	if resolved && err == nil {
		p.metrics.txPackets.Inc()
		return true
	}
	p.metrics.txErrors.Inc()
	if err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("from", from).Str("to", to.String()).Msg("send failed")
	}
	return false
}

func (p *Pool) read(b *binding) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = readRetryMin
	bo.MaxInterval = readRetryMax
	bo.MaxElapsedTime = 0
	for {
		buf := bytebufferpool.Get()
		if cap(buf.B) < p.conf.PacketBuffer {
			buf.B = make([]byte, p.conf.PacketBuffer)
		}
		buf.B = buf.B[:cap(buf.B)]

		n, from, err := b.sock.ReadFrom(buf.B)
		if err != nil {
			bytebufferpool.Put(buf)
			if err == socket.ErrClosed || b.sock.Closed() {
				return nil
			}
			// ICMP 不可达等错误会出现在下一次读上，忽略
			log.Ctx(p.ctx).Debug().Err(err).Str("addr", b.sock.String()).Msg("read")
			if !sleep(p.ctx, bo.NextBackOff()) {
				return nil
			}
			continue
		}
		bo.Reset()
		if b.retired.Load() {
			bytebufferpool.Put(buf)
			continue
		}
		buf.B = buf.B[:n]
		p.metrics.rxPackets.Inc()
		p.metrics.rxBytes.Add(float64(n))

		local := socket.NewLocalSocket(b.id, b.owner)
		p.inflight.Add(1)
		err = p.workers.Submit(func() {
			defer p.inflight.Done()
			defer bytebufferpool.Put(buf)
			defer local.Release()
			p.handler.Packet(p.ctx, local, from, buf.B)
		})
		if err != nil {
			p.inflight.Done()
			local.Release()
			bytebufferpool.Put(buf)
			p.metrics.rxDropped.Inc()
		}
	}
}

// sleep ctx 结束时提前返回 false
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close 释放所有 socket，等待收包协程和正在执行的 Handler 返回;
// ctx 结束时不再等待 Handler
func (p *Pool) Close(ctx context.Context) (err error) {
	p.Lock()
	if p.closed {
		p.Unlock()
		return ErrPoolClosed
	}
	p.closed = true
	bindings := p.bindings
	p.bindings = make(map[netip.AddrPort]*binding)
	p.Unlock()

	start := time.Now()
	defer func() {
		log.DeferLogger(ctx, time.Since(start), err, nil).Int("sockets", len(bindings)).Msg("pool closed")
	}()

	for _, b := range bindings {
		p.retire(ctx, b)
		// 有临时强引用未释放时也要让 reader 退出
		b.sock.Close()
	}
	p.cancel()
	err = p.readers.Wait()
	if err != nil {
		err = errors.Errorf(err.Error())
	}

	// reader 都已退出，不会再有新的 Submit
	handled := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(handled)
	}()
	select {
	case <-handled:
	case <-ctx.Done():
		if err == nil {
			err = errors.Errorf("wait packet handlers: %s", ctx.Err().Error())
		}
	}
	p.workers.Release()
	return
}
