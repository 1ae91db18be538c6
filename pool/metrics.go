package pool

import (
	"github.com/lxt1045/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	bound      prometheus.Gauge
	retired    prometheus.Counter
	rxPackets  prometheus.Counter
	rxBytes    prometheus.Counter
	txPackets  prometheus.Counter
	txErrors   prometheus.Counter
	rxDropped  prometheus.Counter
	portSearch prometheus.Counter
}

func newMetrics() *metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "localsocket",
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		})
	}
	return &metrics{
		bound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "localsocket",
			Subsystem: "pool",
			Name:      "bound_sockets",
			Help:      "Number of UDP sockets currently owned by the pool.",
		}),
		retired:    counter("retired_total", "Sockets retired from the pool."),
		rxPackets:  counter("rx_packets_total", "Datagrams received."),
		rxBytes:    counter("rx_bytes_total", "Bytes received."),
		txPackets:  counter("tx_packets_total", "Datagrams sent."),
		txErrors:   counter("tx_errors_total", "Failed sends, including sends through a retired handle."),
		rxDropped:  counter("rx_dropped_total", "Datagrams dropped because every worker was busy."),
		portSearch: counter("port_search_total", "Random ports tried while searching for a free port."),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.bound, m.retired, m.rxPackets, m.rxBytes,
		m.txPackets, m.txErrors, m.rxDropped, m.portSearch,
	}
}

// Register 把 pool 的指标注册到 reg
func (p *Pool) Register(reg prometheus.Registerer) (err error) {
	for _, c := range p.metrics.collectors() {
		if err = reg.Register(c); err != nil {
			err = errors.Errorf(err.Error())
			return
		}
	}
	return
}
