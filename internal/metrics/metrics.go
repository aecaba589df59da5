// Package metrics defines the Prometheus instruments for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NotificationsTotal counts change-feed notifications by collection and action.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "centro_notifications_total",
		Help: "Change-feed notifications processed, by collection and action.",
	}, []string{"collection", "action"})

	// DecodeSkipsTotal counts notifications dropped because the record failed to decode.
	DecodeSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "centro_notification_decode_skips_total",
		Help: "Change-feed notifications skipped due to record decode failures.",
	}, []string{"collection"})

	// FeedsActive tracks currently running change-feed subscription tasks.
	FeedsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "centro_feeds_active",
		Help: "Live change-feed subscription tasks currently running.",
	})

	// JobsRegistered tracks timers currently registered with the scheduler.
	JobsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "centro_scheduler_jobs_registered",
		Help: "Event timers currently registered with the tenant scheduler.",
	})

	// JobFiringsTotal counts timer firings by outcome (executed, skipped, failed, done).
	JobFiringsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "centro_scheduler_firings_total",
		Help: "Event timer firings, by outcome.",
	}, []string{"outcome"})

	// ProvisioningRunsTotal counts tenant provisioning pipeline runs by result.
	ProvisioningRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "centro_provisioning_runs_total",
		Help: "Tenant provisioning pipeline runs, by result.",
	}, []string{"result"})
)
