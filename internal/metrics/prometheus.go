package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luciancaetano/shardgate"
)

// Prometheus implements Recorder with Prometheus collectors.
type Prometheus struct {
	status     *prometheus.GaugeVec
	ping       *prometheus.GaugeVec
	reconnects *prometheus.CounterVec
	requests   *prometheus.CounterVec
	cooldowns  *prometheus.HistogramVec
}

// NewPrometheus creates the collectors and registers them with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shardgate",
			Name:      "shard_status",
			Help:      "Current shard status (0 disconnected, 1 connecting, 2 waiting guilds, 3 ready, 4 reconnecting).",
		}, []string{"shard"}),
		ping: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shardgate",
			Name:      "shard_ping_seconds",
			Help:      "Latency of the last acknowledged heartbeat.",
		}, []string{"shard"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardgate",
			Name:      "shard_reconnects_total",
			Help:      "Reconnect attempts per shard.",
		}, []string{"shard"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardgate",
			Name:      "rest_requests_total",
			Help:      "Completed REST calls by method and status.",
		}, []string{"method", "status"}),
		cooldowns: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shardgate",
			Name:      "ratelimit_wait_seconds",
			Help:      "Time spent waiting on rate limits.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"scope"}),
	}

	reg.MustRegister(p.status, p.ping, p.reconnects, p.requests, p.cooldowns)
	return p
}

func (p *Prometheus) ShardStatus(shard int, status shardgate.Status) {
	p.status.WithLabelValues(strconv.Itoa(shard)).Set(float64(status))
}

func (p *Prometheus) ShardPing(shard int, ping time.Duration) {
	p.ping.WithLabelValues(strconv.Itoa(shard)).Set(ping.Seconds())
}

func (p *Prometheus) ShardReconnect(shard int) {
	p.reconnects.WithLabelValues(strconv.Itoa(shard)).Inc()
}

func (p *Prometheus) Request(method string, status int) {
	p.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (p *Prometheus) Cooldown(scope string, d time.Duration) {
	p.cooldowns.WithLabelValues(scope).Observe(d.Seconds())
}
