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
	// SignatureVerifications tracks Ed25519 signature checks on handshake
	// blobs and secure envelopes.
	SignatureVerifications = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crypto",
			Name:      "signature_verifications_total",
			Help:      "Total signature verification attempts",
		},
		[]string{"kind", "status"}, // kind: handshake, envelope; status: ok, invalid
	)

	// SessionKeyDerivations tracks HKDF session key derivations, and
	// whether the call was served from the singleflight cache or computed.
	SessionKeyDerivations = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crypto",
			Name:      "session_key_derivations_total",
			Help:      "Total session key derivations",
		},
		[]string{"source"}, // computed, cached
	)

	// EnvelopeSeals tracks AES-GCM secure envelope seal attempts.
	EnvelopeSeals = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crypto",
			Name:      "envelope_seals_total",
			Help:      "Total secure envelope seal operations",
		},
		[]string{"status"},
	)

	// EnvelopeOpens tracks AES-GCM secure envelope open attempts.
	EnvelopeOpens = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crypto",
			Name:      "envelope_opens_total",
			Help:      "Total secure envelope open operations",
		},
		[]string{"status"}, // ok, error, bad_sig, decrypt_failed, hash_mismatch
	)

	// CryptoOperationDuration tracks the latency of the crypto kit's
	// keyed operations.
	CryptoOperationDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "crypto",
			Name:      "operation_duration_seconds",
			Help:      "Duration of crypto kit operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
		[]string{"operation"}, // derive_session_key, seal, open, sign, verify
	)
)
