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

// Package syncbridge is the State Sync Bridge: it exposes the per-peer
// advertised FSM states for an agent and ingests allowed next-states
// from external dispatch logic, choosing the next state by a fixed
// preference order when more than one is allowed.
package syncbridge

import (
	"context"
	"errors"
	"strings"

	"github.com/sage-x-project/relay-engine/engine"
	"github.com/sage-x-project/relay-engine/internal/apperr"
	"github.com/sage-x-project/relay-engine/store"
)

// initiatorPreference and responderPreference rank states most- to
// least-preferred, used to resolve a Download call that allows more
// than one next-state for a compound key.
var initiatorPreference = []store.State{
	store.StateInitReady,
	store.StateInitFinalizeClose,
	store.StateInitFinalizePropose,
	store.StateInitExchange,
}

var responderPreference = []store.State{
	store.StateRespReady,
	store.StateRespFinalize,
	store.StateRespConfirm,
	store.StateRespExchange,
}

// Bridge upload/downloads advertised states for one Engine's rows.
type Bridge struct {
	eng *engine.Engine
}

// New builds a Bridge over eng.
func New(eng *engine.Engine) *Bridge {
	return &Bridge{eng: eng}
}

// scopedKey renders the compound "<role>:<peer_id>" key §4.6 specifies.
func scopedKey(role store.Role, peerID string) string {
	return string(role) + ":" + peerID
}

// Upload produces a mapping from compound "<role>:<peer_id>" keys to
// the current state of every known row across both tracks. When no row
// exists for either track, it returns an empty mapping rather than
// emitting placeholder keys.
func (b *Bridge) Upload(ctx context.Context) (map[string]store.State, error) {
	out := make(map[string]store.State)

	for _, role := range []store.Role{store.RoleInitiator, store.RoleResponder} {
		rows, err := b.eng.States().Scan(ctx, b.eng.SelfID(), role)
		if err != nil {
			return nil, apperr.Storage("failed to scan rows for state upload", err)
		}
		for _, row := range rows {
			out[scopedKey(role, row.PeerID)] = row.State
		}
	}
	return out, nil
}

// Download ingests a set of allowed next-states per compound key. Keys
// without a ":" scope are ignored. When a key allows more than one
// state, the role's preference order picks the winner; the chosen
// state is written to the exact (self, role, peer) row it names.
func (b *Bridge) Download(ctx context.Context, allowed map[string][]store.State) error {
	for scoped, candidates := range allowed {
		role, peerID, ok := splitScopedKey(scoped)
		if !ok {
			continue
		}
		if len(candidates) == 0 {
			continue
		}

		chosen := choose(role, candidates)
		key := store.Key{SelfID: b.eng.SelfID(), Role: role, PeerID: peerID}
		err := b.eng.States().Update(ctx, key, func(rs *store.RoleState) error {
			rs.State = chosen
			return nil
		})
		if errors.Is(err, store.ErrNotFound) {
			// A sync payload may carry entries for peers this bridge has
			// never seen; those are not ours to create.
			continue
		}
		if err != nil {
			return apperr.Storage("failed to write downloaded state", err).WithDetails("key", scoped)
		}
	}
	return nil
}

func splitScopedKey(scoped string) (store.Role, string, bool) {
	idx := strings.Index(scoped, ":")
	if idx < 0 {
		return "", "", false
	}
	role := store.Role(scoped[:idx])
	peerID := scoped[idx+1:]
	if role != store.RoleInitiator && role != store.RoleResponder {
		return "", "", false
	}
	return role, peerID, true
}

func choose(role store.Role, candidates []store.State) store.State {
	preference := responderPreference
	if role == store.RoleInitiator {
		preference = initiatorPreference
	}

	set := make(map[store.State]struct{}, len(candidates))
	for _, c := range candidates {
		set[c] = struct{}{}
	}
	for _, p := range preference {
		if _, ok := set[p]; ok {
			return p
		}
	}
	// None of the candidates are in the known preference list (e.g. an
	// "_0" suffixed variant from external dispatch logic); fall back to
	// the first candidate offered rather than silently dropping the
	// update.
	return candidates[0]
}
