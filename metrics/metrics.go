// Package metrics exposes federation events as Prometheus counters.
package metrics

import (
	"context"
	"net/http"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector counts the events published on the federation event bus.
type Collector struct {
	ingested       *prometheus.CounterVec
	inboxReceived  *prometheus.CounterVec
	sharedInbox    prometheus.Counter
	followAccepted *prometheus.CounterVec
	followRejected *prometheus.CounterVec
	reconciliation prometheus.Counter
	reconciled     *prometheus.CounterVec
}

// NewCollector registers the federation metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tusk_activities_ingested_total",
			Help: "Activities stored by the inbox, by type.",
		}, []string{"type"}),
		inboxReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tusk_inbox_deliveries_total",
			Help: "Per-recipient inbox deliveries.",
		}, []string{"shared"}),
		sharedInbox: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tusk_shared_inbox_deliveries_total",
			Help: "Deliveries to the shared inbox.",
		}),
		followAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tusk_follows_accepted_total",
			Help: "Follow edges that became ACCEPTED, by direction.",
		}, []string{"direction"}),
		followRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tusk_follows_rejected_total",
			Help: "Follow edges removed by a rejection, by direction.",
		}, []string{"direction"}),
		reconciliation: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tusk_follower_reconciliations_total",
			Help: "Completed FEP-8fcf follower reconciliations.",
		}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tusk_follower_reconciliation_changes_total",
			Help: "Follow edges changed by reconciliation, by action.",
		}, []string{"action"}),
	}

	reg.MustRegister(
		c.ingested,
		c.inboxReceived,
		c.sharedInbox,
		c.followAccepted,
		c.followRejected,
		c.reconciliation,
		c.reconciled,
	)
	return c
}

// Observe is an activitypub.Subscriber.
func (c *Collector) Observe(_ context.Context, e activitypub.Event) {
	switch ev := e.(type) {
	case activitypub.ActivityIngested:
		c.ingested.WithLabelValues(ev.Kind.String()).Inc()
	case activitypub.InboxReceived:
		shared := "false"
		if ev.Shared {
			shared = "true"
		}
		c.inboxReceived.WithLabelValues(shared).Inc()
	case activitypub.SharedInboxReceived:
		c.sharedInbox.Inc()
	case activitypub.FollowAccepted:
		c.followAccepted.WithLabelValues(string(ev.Direction)).Inc()
	case activitypub.FollowRejected:
		c.followRejected.WithLabelValues(string(ev.Direction)).Inc()
	case activitypub.ReconciliationCompleted:
		c.reconciliation.Inc()
		c.reconciled.WithLabelValues("accepted").Add(float64(ev.Accepted))
		c.reconciled.WithLabelValues("rejected").Add(float64(ev.Rejected))
		c.reconciled.WithLabelValues("undone").Add(float64(ev.Undone))
	}
}

// Subscribe attaches the collector to bus.
func (c *Collector) Subscribe(bus *activitypub.EventBus) {
	bus.Subscribe(c.Observe)
}

// Handler serves the Prometheus scrape endpoint.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
