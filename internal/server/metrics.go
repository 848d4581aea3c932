// Package server exports Prometheus collectors describing connections,
// rooms and message traffic.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Authenticated WebSocket connections held by this instance.",
	})
	onlineUsersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "online_users",
		Help:      "Distinct users with at least one connection on this instance.",
	})
	activeRoomsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "rooms_active",
		Help:      "Private rooms currently open.",
	})
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "frames_total",
		Help:      "Inbound frames dispatched, by event type.",
	}, []string{"type"})
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "direct_messages_total",
		Help:      "send_message requests, by outcome.",
	}, []string{"result"})
	roomsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "rooms_closed_total",
		Help:      "Rooms removed, by reason.",
	}, []string{"reason"})
	authFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "auth_failures_total",
		Help:      "Rejected WebSocket handshakes, by reason.",
	}, []string{"reason"})
	bridgeDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "bridge_dropped_total",
		Help:      "Events refused by ScheduleSend.",
	})
)
