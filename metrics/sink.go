// Package metrics exposes account and access activity as Prometheus
// counters.
//
// Sink implements auth.ActivitySink so it can be chained with the audit
// sink through auth.MultiActivitySink.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	auth "github.com/goliatone/go-clinic-auth"
)

const namespace = "clinic_auth"

// Sink counts activity events.
type Sink struct {
	// ActivityTotal counts every recorded event.
	// Label:
	//   - event: the activity event type (e.g. "user.invited")
	ActivityTotal *prometheus.CounterVec

	// AccessDeniedTotal counts guard rejections.
	// Labels:
	//   - reason: text code of the rejection (e.g. "FORBIDDEN")
	//   - capability: the capability checked, empty for route gates
	AccessDeniedTotal *prometheus.CounterVec

	// TokenExchangesTotal counts link token exchanges.
	// Labels:
	//   - result: "exchanged" or the rejection text code
	//   - token_type: "invite" or "recovery"
	TokenExchangesTotal *prometheus.CounterVec

	// LoginsTotal counts password sign in attempts by outcome.
	LoginsTotal *prometheus.CounterVec
}

// NewSink registers the counters with reg. A nil reg uses the default
// registerer.
func NewSink(reg prometheus.Registerer) *Sink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Sink{
		ActivityTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "activity_events_total",
				Help:      "Total number of recorded account and access events.",
			},
			[]string{"event"},
		),
		AccessDeniedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "access_denied_total",
				Help:      "Total number of requests rejected by the access guard.",
			},
			[]string{"reason", "capability"},
		),
		TokenExchangesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_exchanges_total",
				Help:      "Total number of invitation and recovery token exchanges.",
			},
			[]string{"result", "token_type"},
		),
		LoginsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logins_total",
				Help:      "Total number of password sign in attempts.",
			},
			[]string{"outcome"},
		),
	}
}

// Record implements auth.ActivitySink.
func (s *Sink) Record(_ context.Context, event auth.ActivityEvent) error {
	s.ActivityTotal.WithLabelValues(string(event.EventType)).Inc()

	switch event.EventType {
	case auth.ActivityEventAccessDenied:
		s.AccessDeniedTotal.WithLabelValues(label(event.Metadata, "reason"), label(event.Metadata, "capability")).Inc()
	case auth.ActivityEventTokenExchanged:
		s.TokenExchangesTotal.WithLabelValues("exchanged", label(event.Metadata, "token_type")).Inc()
	case auth.ActivityEventTokenRejected:
		result := label(event.Metadata, "text_code")
		if result == "" {
			result = "rejected"
		}
		s.TokenExchangesTotal.WithLabelValues(result, label(event.Metadata, "token_type")).Inc()
	case auth.ActivityEventLoginSuccess:
		s.LoginsTotal.WithLabelValues("success").Inc()
	case auth.ActivityEventLoginFailure:
		s.LoginsTotal.WithLabelValues("failure").Inc()
	}
	return nil
}

// Handler serves the metrics of the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the metrics of gatherer.
func HandlerFor(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func label(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	v, ok := meta[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

var _ auth.ActivitySink = (*Sink)(nil)
