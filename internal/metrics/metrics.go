// Package metrics exposes the bot's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cloudbera60-web/Gifted-bot/internal/convstore"
)

const namespace = "giftedbot"

// Metrics bundles the collectors shared by the bot, the dispatcher and the
// control panel.
type Metrics struct {
	Registry *prometheus.Registry

	Commands   *prometheus.CounterVec
	Reconnects prometheus.Counter
	Connected  prometheus.Gauge
	Messages   prometheus.Counter
}

// New registers every collector on a fresh registry. stats is polled on each
// scrape; it may return the zero value while the bot is stopped.
func New(stats func() convstore.Stats) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Chat commands dispatched, by command and outcome.",
		}, []string{"command", "outcome"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts after a dropped connection.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the WhatsApp connection is up.",
		}),
		Messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Incoming chat messages.",
		}),
	}

	reg.MustRegister(
		m.Commands, m.Reconnects, m.Connected, m.Messages,
		&storeCollector{stats: stats},
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

var (
	chatsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "store", "chats"),
		"Chats with a cached message bucket.", nil, nil)
	storedChatsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "store", "stored_chats"),
		"Chats known from chat snapshots.", nil, nil)
	messagesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "store", "messages"),
		"Messages held in the conversation cache.", nil, nil)
	contactsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "store", "contacts"),
		"Contacts known from snapshots.", nil, nil)
)

type storeCollector struct {
	stats func() convstore.Stats
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- chatsDesc
	ch <- storedChatsDesc
	ch <- messagesDesc
	ch <- contactsDesc
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	var s convstore.Stats
	if c.stats != nil {
		s = c.stats()
	}
	ch <- prometheus.MustNewConstMetric(chatsDesc, prometheus.GaugeValue, float64(s.TotalChats))
	ch <- prometheus.MustNewConstMetric(storedChatsDesc, prometheus.GaugeValue, float64(s.TotalStoredChats))
	ch <- prometheus.MustNewConstMetric(messagesDesc, prometheus.GaugeValue, float64(s.TotalMessages))
	ch <- prometheus.MustNewConstMetric(contactsDesc, prometheus.GaugeValue, float64(s.TotalContacts))
}
