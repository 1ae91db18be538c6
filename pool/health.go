package pool

import (
	"github.com/heptiolabs/healthcheck"
	"github.com/lxt1045/errors"
)

// ReadinessCheck 至少有一个 socket 可以收发时才算就绪
func (p *Pool) ReadinessCheck() healthcheck.Check {
	return func() error {
		p.Lock()
		defer p.Unlock()
		if p.closed {
			return ErrPoolClosed
		}
		if len(p.bindings) == 0 {
			return errors.Errorf("no socket bound")
		}
		return nil
	}
}
