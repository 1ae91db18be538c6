package socket

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lxt1045/errors"
	"github.com/lxt1045/localsocket/log"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const defaultTTL = 64

// UDPSocket 一个已绑定的 UDP socket，由 pool 持有
type UDPSocket struct {
	conn  *net.UDPConn
	addr  netip.AddrPort // 只在创建的时候写入，其他时候只读，所以不加锁读
	iface string

	// 带 TTL 的发送需要先改 TTL 再写，期间不允许其他写
	wLock sync.RWMutex
	p4    *ipv4.PacketConn
	p6    *ipv6.PacketConn
	ttl   int

	closed atomic.Bool
}

type options struct {
	reusePort   bool
	readBuffer  int
	writeBuffer int
}

type Option func(*options)

func WithReusePort(reuse bool) Option {
	return func(o *options) {
		o.reusePort = reuse
	}
}

func WithBuffers(read, write int) Option {
	return func(o *options) {
		o.readBuffer, o.writeBuffer = read, write
	}
}

func control(network, address string, c syscall.RawConn) (err error) {
	cerr := c.Control(func(fd uintptr) {
		h := newHandle(fd).H
		err = syscall.SetsockoptInt(h, syscall.SOL_SOCKET, SO_REUSEADDR, 1)
		if err != nil || SO_REUSEPORT == 0 {
			return
		}
		err = syscall.SetsockoptInt(h, syscall.SOL_SOCKET, SO_REUSEPORT, 1)
	})
	if cerr != nil {
		return cerr
	}
	return
}

// Listen 绑定 addr; 端口为 0 时由系统分配
func Listen(ctx context.Context, addr netip.AddrPort, iface string, opts ...Option) (s *UDPSocket, err error) {
	if !addr.IsValid() {
		err = ErrInvalidAddr
		return
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	network := "udp6"
	if addr.Addr().Unmap().Is4() {
		network = "udp4"
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	}
	cfg := net.ListenConfig{}
	if o.reusePort {
		cfg.Control = control
	}
	pc, err := cfg.ListenPacket(ctx, network, addr.String())
	if err != nil {
		err = errors.Errorf(err.Error())
		return
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		err = errors.Errorf("%s: %T", ErrUnexpectedRaw.Error(), pc)
		return
	}
	setBuffers(ctx, conn, addr, o)

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	s = &UDPSocket{
		conn:  conn,
		addr:  netip.AddrPortFrom(local.Addr().Unmap(), local.Port()),
		iface: iface,
		ttl:   defaultTTL,
	}
	if network == "udp4" {
		s.p4 = ipv4.NewPacketConn(conn)
		if ttl, err := s.p4.TTL(); err == nil && ttl > 0 {
			s.ttl = ttl
		}
	} else {
		s.p6 = ipv6.NewPacketConn(conn)
		if hops, err := s.p6.HopLimit(); err == nil && hops > 0 {
			s.ttl = hops
		}
	}
	return
}

type bufferSetter interface {
	SetReadBuffer(bytes int) error
	SetWriteBuffer(bytes int) error
}

// setBuffers 设置失败时只告警，socket 仍然可用
func setBuffers(ctx context.Context, conn bufferSetter, addr netip.AddrPort, o options) {
	if o.readBuffer > 0 {
		if err := conn.SetReadBuffer(o.readBuffer); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("addr", addr.String()).Int("size", o.readBuffer).Msg("set read buffer")
		}
	}
	if o.writeBuffer > 0 {
		if err := conn.SetWriteBuffer(o.writeBuffer); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("addr", addr.String()).Int("size", o.writeBuffer).Msg("set write buffer")
		}
	}
}

func (s *UDPSocket) LocalAddr() netip.AddrPort {
	return s.addr
}

func (s *UDPSocket) Interface() string {
	return s.iface
}

func (s *UDPSocket) Is4() bool {
	return s.p4 != nil
}

// Accepts 是否能向 to 发包
func (s *UDPSocket) Accepts(to netip.AddrPort) bool {
	return to.Addr().Unmap().Is4() == s.Is4()
}

func (s *UDPSocket) String() string {
	return s.addr.String()
}

// Send 发送一个数据包; ttl <= 0 时使用默认 TTL
func (s *UDPSocket) Send(to netip.AddrPort, data []byte, ttl int) (err error) {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.Accepts(to) {
		return ErrFamily
	}
	if s.Is4() {
		to = netip.AddrPortFrom(to.Addr().Unmap(), to.Port())
	}

	if ttl <= 0 || ttl == s.ttl {
		s.wLock.RLock()
		_, err = s.conn.WriteToUDPAddrPort(data, to)
		s.wLock.RUnlock()
		if err != nil {
			err = errors.Errorf(err.Error())
		}
		return
	}

	s.wLock.Lock()
	defer s.wLock.Unlock()
	if err = s.setTTL(ttl); err != nil {
		return errors.Errorf(err.Error())
	}
	_, err = s.conn.WriteToUDPAddrPort(data, to)
	if rerr := s.setTTL(s.ttl); err == nil && rerr != nil {
		err = rerr
	}
	if err != nil {
		err = errors.Errorf(err.Error())
	}
	return
}

func (s *UDPSocket) setTTL(ttl int) error {
	if s.p4 != nil {
		return s.p4.SetTTL(ttl)
	}
	return s.p6.SetHopLimit(ttl)
}

// ReadFrom 阻塞读一个数据包; socket 关闭后返回 ErrClosed
func (s *UDPSocket) ReadFrom(buf []byte) (n int, from netip.AddrPort, err error) {
	n, from, err = s.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if s.closed.Load() {
			err = ErrClosed
			return
		}
		err = errors.Errorf(err.Error())
		return
	}
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	return
}

func (s *UDPSocket) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *UDPSocket) Closed() bool {
	return s.closed.Load()
}

func (s *UDPSocket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}
