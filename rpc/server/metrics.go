package server

import (
	"fmt"
	"sort"
	"time"

	"github.com/ValentinKolb/dGrid/rpc/common"
	vm "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

var (
	rejectedRateTotal  = vm.NewCounter(`dgrid_rpc_rejected_total{reason="rate"}`)
	rejectedQueueTotal = vm.NewCounter(`dgrid_rpc_rejected_total{reason="queue"}`)
	badRequestsTotal   = vm.NewCounter(`dgrid_rpc_bad_requests_total`)
)

// serverMetrics keeps a latency timer and an error counter per message type
type serverMetrics struct {
	registry gometrics.Registry
}

func newServerMetrics() *serverMetrics {
	return &serverMetrics{registry: gometrics.NewRegistry()}
}

// observe records a finished request of type t that started at start
func (m *serverMetrics) observe(t common.MessageType, start time.Time, resp *common.Message) {
	gometrics.GetOrRegisterTimer(t.String(), m.registry).UpdateSince(start)
	if resp != nil && resp.Err != "" {
		gometrics.GetOrRegisterCounter(t.String()+".errors", m.registry).Inc(1)
	}
}

// lines formats one line per message type, sorted by name
func (m *serverMetrics) lines() []string {
	var lines []string
	m.registry.Each(func(name string, i interface{}) {
		timer, ok := i.(gometrics.Timer)
		if !ok {
			return
		}
		s := timer.Snapshot()
		if s.Count() == 0 {
			return
		}
		var errors int64
		if c, ok := m.registry.Get(name + ".errors").(gometrics.Counter); ok {
			errors = c.Snapshot().Count()
		}
		ps := s.Percentiles([]float64{0.5, 0.99})
		lines = append(lines, fmt.Sprintf("%-14s count=%d errors=%d rate1m=%.1f/s mean=%s p50=%s p99=%s",
			name, s.Count(), errors, s.Rate1(),
			time.Duration(s.Mean()).Round(time.Microsecond),
			time.Duration(ps[0]).Round(time.Microsecond),
			time.Duration(ps[1]).Round(time.Microsecond)))
	})
	sort.Strings(lines)
	return lines
}

// logEvery logs the metrics and the lines of extra every interval until stop
// is closed
func (m *serverMetrics) logEvery(interval time.Duration, stop <-chan struct{}, extra func() []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, line := range append(m.lines(), extra()...) {
				Logger.Infof("metrics | %s", line)
			}
		}
	}
}
