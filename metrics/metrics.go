package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zhpjy/sniproxy-ng/httphost"
	"github.com/zhpjy/sniproxy-ng/quic"
	"github.com/zhpjy/sniproxy-ng/tls"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds the proxy and classifier metrics.
type Registry struct {
	ExtractTotal      *prometheus.CounterVec
	VerdictTotal      *prometheus.CounterVec
	ConnectionsTotal  *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry(prometheus.DefaultRegisterer)
	})
	return registry
}

func newRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	r := &Registry{}

	r.ExtractTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "sniproxy_extract_total",
		Help: "Host name extractions by input source and outcome",
	}, []string{"source", "result"})

	r.VerdictTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "sniproxy_verdict_total",
		Help: "Routing verdicts",
	}, []string{"verdict"})

	r.ConnectionsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "sniproxy_connections_total",
		Help: "Accepted client connections by listener and outcome",
	}, []string{"listener", "result"})

	r.ActiveConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "sniproxy_active_connections",
		Help: "Client connections currently being relayed",
	})

	return r
}

// Extraction sources.
const (
	SourceTLS  = "tls"
	SourceQUIC = "quic"
	SourceHTTP = "http"
	SourceAPI  = "api"
)

// Result maps an extraction error to a short label value.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, tls.ErrTruncated):
		return "truncated"
	case errors.Is(err, tls.ErrSNINotFound), errors.Is(err, httphost.ErrHostNotFound):
		return "not_found"
	case errors.Is(err, tls.ErrNotHandshake), errors.Is(err, tls.ErrNotClientHello),
		errors.Is(err, quic.ErrNotInitial):
		return "not_hello"
	case errors.Is(err, tls.ErrInvalidHostname), errors.Is(err, tls.ErrUnsupportedNameType),
		errors.Is(err, httphost.ErrMalformedHost), errors.Is(err, httphost.ErrInvalidUTF8):
		return "invalid"
	case errors.Is(err, quic.ErrDecrypt), errors.Is(err, quic.ErrBadFrame),
		errors.Is(err, quic.ErrShortPacket), errors.Is(err, quic.ErrUnsupportedVersion),
		errors.Is(err, quic.ErrNoCrypto):
		return "quic_error"
	}
	return "error"
}

// ObserveExtract counts one extraction attempt.
func (r *Registry) ObserveExtract(source string, err error) {
	r.ExtractTotal.WithLabelValues(source, Result(err)).Inc()
}

func (r *Registry) ObserveVerdict(verdict string) {
	r.VerdictTotal.WithLabelValues(verdict).Inc()
}

func (r *Registry) ObserveConnection(listener, result string) {
	r.ConnectionsTotal.WithLabelValues(listener, result).Inc()
}
