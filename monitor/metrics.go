// Package monitor exports oscilloscope controller activity as Prometheus metrics
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nasa-jpl/scopesrv/oscilloscope"
)

var states = []oscilloscope.State{
	oscilloscope.Disconnected,
	oscilloscope.Connected,
	oscilloscope.Running,
	oscilloscope.Stopped,
}

// Metrics implements oscilloscope.Observer.  Every series is labeled with
// the device name.
type Metrics struct {
	state        *prometheus.GaugeVec
	acquisitions *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	polls        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "scope",
			Name:      "state",
			Help:      "Lifecycle state of the device, 1 for the current state and 0 for the others.",
		}, []string{"device", "state"}),
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scope",
			Name:      "acquisitions_total",
			Help:      "Acquisitions by outcome: ok, timeout, aborted, or error.",
		}, []string{"device", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scope",
			Name:      "acquisition_duration_seconds",
			Help:      "Time from the start of an acquisition to its outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"device"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scope",
			Name:      "completion_polls_total",
			Help:      "Busy-wait completion queries sent to the instrument.",
		}, []string{"device"}),
	}
	for _, c := range []prometheus.Collector{m.state, m.acquisitions, m.duration, m.polls} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StateChanged sets the device's state series
func (m *Metrics) StateChanged(device string, s oscilloscope.State) {
	for _, cand := range states {
		v := 0.
		if cand == s {
			v = 1
		}
		m.state.WithLabelValues(device, cand.String()).Set(v)
	}
}

// AcquisitionDone counts an acquisition and records how long it took
func (m *Metrics) AcquisitionDone(device string, result string, d time.Duration) {
	m.acquisitions.WithLabelValues(device, result).Inc()
	m.duration.WithLabelValues(device).Observe(d.Seconds())
}

// Polled counts one completion query
func (m *Metrics) Polled(device string) {
	m.polls.WithLabelValues(device).Inc()
}
