// Copyright 2021 Converter Systems LLC. All rights reserved.

package client

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "opcua"
	metricsSubsystem = "client"
)

type metrics struct {
	serviceCalls        *prometheus.CounterVec
	publishRequests     prometheus.Counter
	publishResponses    *prometheus.CounterVec
	pendingPublish      prometheus.Gauge
	activeSubscriptions prometheus.Gauge
	notifications       *prometheus.CounterVec
	republishRequests   *prometheus.CounterVec
	dataLost            prometheus.Counter
	duplicates          prometheus.Counter
	watchdogElapsed     prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		serviceCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "service_calls_total",
			Help:      "Service calls by service and status code",
		}, []string{"service", "status"}),
		publishRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "publish_requests_total",
			Help:      "Publish requests sent",
		}),
		publishResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "publish_responses_total",
			Help:      "Publish responses by status code",
		}, []string{"status"}),
		pendingPublish: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pending_publish_requests",
			Help:      "Publish requests outstanding at the server",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active_subscriptions",
			Help:      "Subscriptions created on the server",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "notifications_total",
			Help:      "Notifications delivered by kind",
		}, []string{"kind"}),
		republishRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "republish_requests_total",
			Help:      "Republish requests by outcome",
		}, []string{"outcome"}),
		dataLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "notification_data_lost_total",
			Help:      "Recovery attempts that left notification messages unrecovered",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "duplicate_messages_total",
			Help:      "Notification messages dropped because they were already delivered",
		}),
		watchdogElapsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "watchdog_elapsed_total",
			Help:      "Watchdog timers that elapsed",
		}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.serviceCalls,
		m.publishRequests,
		m.publishResponses,
		m.pendingPublish,
		m.activeSubscriptions,
		m.notifications,
		m.republishRequests,
		m.dataLost,
		m.duplicates,
		m.watchdogElapsed,
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
