// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesReceived tracks bus frames received, by intent.
	FramesReceived = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "received_total",
			Help:      "Total frames received from the message bus",
		},
		[]string{"intent"},
	)

	// FramesDropped tracks frames rejected before reaching the state
	// machine, by the reason they were dropped.
	FramesDropped = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "dropped_total",
			Help:      "Total frames dropped on receive",
		},
		[]string{"reason"}, // empty_from, wrong_addressee, unknown_intent
	)

	// NonceReplayDrops tracks frames dropped specifically for reusing a
	// nonce the log already recorded.
	NonceReplayDrops = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "nonce_replay_drops_total",
			Help:      "Total frames dropped for nonce reuse",
		},
		[]string{"role"},
	)

	// FramesSent tracks frames written to the message bus, by intent.
	FramesSent = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "sent_total",
			Help:      "Total frames sent to the message bus",
		},
		[]string{"intent"},
	)
)
