// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crypto

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the Prometheus counters updated by Machine and the key backup restore engine.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SessionsCreated  prometheus.Counter
	KeysShared       prometheus.Counter
	Reshares         *prometheus.CounterVec
	SessionsImported prometheus.Counter
	RestoreOutcomes  *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them to the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "e2ee_megolm_sessions_created_total",
			Help: "Total number of outbound Megolm sessions created",
		}),
		KeysShared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "e2ee_megolm_keys_shared_total",
			Help: "Total number of m.room_key messages sent to devices",
		}),
		Reshares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "e2ee_megolm_reshares_total",
			Help: "Total number of key reshare attempts",
		}, []string{"result"}),
		SessionsImported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "e2ee_backup_sessions_imported_total",
			Help: "Total number of Megolm sessions imported from key backup",
		}),
		RestoreOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "e2ee_backup_restore_outcomes_total",
			Help: "Total number of finished key backup restore attempts",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(m.SessionsCreated, m.KeysShared, m.Reshares, m.SessionsImported, m.RestoreOutcomes)
	}
	return m
}

func (m *Metrics) sessionCreated() {
	if m != nil {
		m.SessionsCreated.Inc()
	}
}

func (m *Metrics) keysShared(count int) {
	if m != nil {
		m.KeysShared.Add(float64(count))
	}
}

func (m *Metrics) reshare(result string) {
	if m != nil {
		m.Reshares.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) sessionImported() {
	if m != nil {
		m.SessionsImported.Inc()
	}
}

// RestoreFinished records the terminal state of a key backup restore attempt.
func (m *Metrics) RestoreFinished(state string) {
	if m != nil {
		m.RestoreOutcomes.WithLabelValues(state).Inc()
	}
}
