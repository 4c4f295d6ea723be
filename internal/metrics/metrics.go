// Package metrics defines Prometheus metrics for the delivery pipeline
// and the directory server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Delivery pipeline metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pchat_messages_sent_total",
			Help: "Outgoing messages by delivery method",
		},
		[]string{"method"}, // "direct" or "queued"
	)

	MessagesApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pchat_messages_applied_total",
			Help: "Incoming messages applied to the local store",
		},
	)

	EnvelopesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pchat_envelopes_dropped_total",
			Help: "Inbound envelopes dropped before application",
		},
		[]string{"reason"}, // "unknown_sender", "bad_signature", "decrypt_failed", "malformed"
	)

	MailboxDrained = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pchat_mailbox_rows_drained_total",
			Help: "Mailbox rows fetched and processed",
		},
	)

	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "p2pchat_send_failures_total",
			Help: "Messages that failed both direct delivery and enqueue",
		},
	)

	// Connection metrics
	OpenLinks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "p2pchat_open_peer_links",
			Help: "Currently open peer links",
		},
	)

	// Directory server metrics
	DirectoryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2pchat_directory_requests_total",
			Help: "Directory server requests by route and status",
		},
		[]string{"route", "status"},
	)
)
