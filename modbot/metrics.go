package modbot

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricResultSuccess = "success"
	metricResultFailure = "failure"
	metricResultSkipped = "skipped"
)

// Metrics holds the bot's prometheus collectors. Each instance has its
// own registry, so separate bots (and tests) don't collide.
type Metrics struct {
	registry *prometheus.Registry

	MessagesModerated   prometheus.Counter
	MessagesFlagged     prometheus.Counter
	TokenRefreshes      *prometheus.CounterVec
	TriviaPosts         *prometheus.CounterVec
	Commands            *prometheus.CounterVec
	ConversationsActive prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesModerated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "modbot_messages_moderated_total",
				Help: "Total number of channel messages sent for moderation",
			},
		),
		MessagesFlagged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "modbot_messages_flagged_total",
				Help: "Total number of channel messages flagged and deleted",
			},
		),
		TokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modbot_token_refreshes_total",
				Help: "Total number of spotify token refresh attempts",
			},
			[]string{"result"},
		),
		TriviaPosts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modbot_trivia_posts_total",
				Help: "Total number of scheduled trivia runs",
			},
			[]string{"result"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "modbot_commands_total",
				Help: "Total number of slash commands received",
			},
			[]string{"command"},
		),
		ConversationsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "modbot_conversations_active",
				Help: "Number of users currently in a non-idle conversation",
			},
		),
	}
	m.registry.MustRegister(
		m.MessagesModerated,
		m.MessagesFlagged,
		m.TokenRefreshes,
		m.TriviaPosts,
		m.Commands,
		m.ConversationsActive,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
