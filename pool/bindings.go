package pool

import (
	"context"
	"net/netip"
	"strings"

	"github.com/lxt1045/errors"
	"github.com/lxt1045/localsocket/log"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// UpdateBindings 按当前网卡地址在 port 上绑定 socket，并释放地址已消失的 socket
func (p *Pool) UpdateBindings(ctx context.Context, port int) (added, retired int, err error) {
	if port <= 0 || port > 0xffff {
		err = errors.Errorf("invalid port: %d", port)
		return
	}
	ifaces, err := p.interfaces(ctx)
	if err != nil {
		err = errors.Errorf(err.Error())
		return
	}
	blacklist, err := parseCIDRs(p.conf.CIDRBlacklist)
	if err != nil {
		return
	}

	want := make(map[netip.AddrPort]string)
	for _, iface := range ifaces {
		if !p.usableInterface(iface) {
			continue
		}
		for _, a := range iface.Addrs {
			ip, ok := usableAddr(a.Addr, blacklist)
			if !ok {
				continue
			}
			want[netip.AddrPortFrom(ip, uint16(port))] = iface.Name
		}
	}

	p.Lock()
	if p.closed {
		p.Unlock()
		return 0, 0, ErrPoolClosed
	}
	var stale []netip.AddrPort
	for addr := range p.bindings {
		if _, ok := want[addr]; !ok && int(addr.Port()) == port {
			stale = append(stale, addr)
		}
	}
	var missing []netip.AddrPort
	for addr := range want {
		if _, ok := p.bindings[addr]; !ok {
			missing = append(missing, addr)
		}
	}
	p.Unlock()

	for _, addr := range missing {
		l, e := p.Bind(ctx, addr, want[addr])
		if e != nil {
			log.Ctx(ctx).Warn().Err(e).Str("addr", addr.String()).Str("iface", want[addr]).Msg("bind failed")
			continue
		}
		l.Release()
		added++
	}
	for _, addr := range stale {
		if p.Retire(ctx, addr) {
			retired++
		}
	}
	return
}

func (p *Pool) usableInterface(iface psnet.InterfaceStat) bool {
	up, loopback := false, false
	for _, f := range iface.Flags {
		switch f {
		case "up":
			up = true
		case "loopback":
			loopback = true
		}
	}
	if !up || (loopback && !p.conf.BindLoopback) {
		return false
	}
	for _, prefix := range p.conf.InterfacePrefixBlacklist {
		if prefix != "" && strings.HasPrefix(iface.Name, prefix) {
			return false
		}
	}
	return true
}

// usableAddr addr 形如 "192.168.1.2/24"
func usableAddr(addr string, blacklist []netip.Prefix) (ip netip.Addr, ok bool) {
	prefix, err := netip.ParsePrefix(addr)
	if err != nil {
		if ip, err = netip.ParseAddr(addr); err != nil {
			return
		}
	} else {
		ip = prefix.Addr()
	}
	ip = ip.Unmap()
	if !ip.IsValid() || ip.IsUnspecified() || ip.IsMulticast() ||
		ip.IsLinkLocalUnicast() || ip.Zone() != "" {
		return ip, false
	}
	for _, b := range blacklist {
		if b.Contains(ip) {
			return ip, false
		}
	}
	return ip, true
}

func parseCIDRs(cidrs []string) (prefixes []netip.Prefix, err error) {
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		prefix, e := netip.ParsePrefix(c)
		if e != nil {
			err = errors.Errorf("cidr blacklist %q: %s", c, e.Error())
			return
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return
}
