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

package syncbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/relay-engine/cryptokit"
	"github.com/sage-x-project/relay-engine/engine"
	"github.com/sage-x-project/relay-engine/identity"
	"github.com/sage-x-project/relay-engine/store"
	"github.com/sage-x-project/relay-engine/store/memstore"
)

func newTestEngine(t *testing.T, name string) (*engine.Engine, store.RoleStateStore) {
	t.Helper()
	sign, err := cryptokit.GenerateSignKeyPair()
	require.NoError(t, err)
	kx, err := cryptokit.GenerateExchangeKeyPair()
	require.NoError(t, err)
	id := &identity.Identity{AgentID: name, Sign: sign, KX: kx}

	states := memstore.NewRoleStateStore()
	nonces := memstore.NewNonceLog()
	sessions := cryptokit.NewSessionKeyCache(time.Hour, time.Hour)
	t.Cleanup(sessions.Close)

	return engine.New(id, states, nonces, sessions, engine.DefaultConfig()), states
}

func TestUploadIsEmptyWithNoRows(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, "alice")
	b := New(eng)

	out, err := b.Upload(ctx)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestUploadReportsBothTracks(t *testing.T) {
	ctx := context.Background()
	eng, states := newTestEngine(t, "alice")
	b := New(eng)

	_, err := states.GetOrCreate(ctx, store.Key{SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob"}, store.RoleState{
		SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob", State: store.StateInitExchange,
	})
	require.NoError(t, err)
	_, err = states.GetOrCreate(ctx, store.Key{SelfID: "alice", Role: store.RoleResponder, PeerID: "carol"}, store.RoleState{
		SelfID: "alice", Role: store.RoleResponder, PeerID: "carol", State: store.StateRespConfirm,
	})
	require.NoError(t, err)

	out, err := b.Upload(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]store.State{
		"initiator:bob":   store.StateInitExchange,
		"responder:carol": store.StateRespConfirm,
	}, out)
}

func TestDownloadWritesChosenState(t *testing.T) {
	ctx := context.Background()
	eng, states := newTestEngine(t, "alice")
	b := New(eng)

	key := store.Key{SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob"}
	_, err := states.GetOrCreate(ctx, key, store.RoleState{
		SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob", State: store.StateInitReady,
	})
	require.NoError(t, err)

	err = b.Download(ctx, map[string][]store.State{
		"initiator:bob": {store.StateInitExchange},
	})
	require.NoError(t, err)

	row, err := states.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.StateInitExchange, row.State)
}

func TestDownloadResolvesMultipleCandidatesByPreference(t *testing.T) {
	ctx := context.Background()
	eng, states := newTestEngine(t, "alice")
	b := New(eng)

	key := store.Key{SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob"}
	_, err := states.GetOrCreate(ctx, key, store.RoleState{
		SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob", State: store.StateInitReady,
	})
	require.NoError(t, err)

	// init_ready outranks init_exchange and init_finalize_propose in the
	// initiator preference order.
	err = b.Download(ctx, map[string][]store.State{
		"initiator:bob": {store.StateInitExchange, store.StateInitFinalizePropose, store.StateInitReady},
	})
	require.NoError(t, err)

	row, err := states.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.StateInitReady, row.State)
}

func TestDownloadResolvesResponderPreferenceOrder(t *testing.T) {
	ctx := context.Background()
	eng, states := newTestEngine(t, "bob")
	b := New(eng)

	key := store.Key{SelfID: "bob", Role: store.RoleResponder, PeerID: "alice"}
	_, err := states.GetOrCreate(ctx, key, store.RoleState{
		SelfID: "bob", Role: store.RoleResponder, PeerID: "alice", State: store.StateRespExchange,
	})
	require.NoError(t, err)

	// resp_finalize outranks resp_confirm and resp_exchange.
	err = b.Download(ctx, map[string][]store.State{
		"responder:alice": {store.StateRespExchange, store.StateRespConfirm, store.StateRespFinalize},
	})
	require.NoError(t, err)

	row, err := states.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.StateRespFinalize, row.State)
}

func TestDownloadFallsBackToFirstCandidateForUnknownState(t *testing.T) {
	ctx := context.Background()
	eng, states := newTestEngine(t, "alice")
	b := New(eng)

	key := store.Key{SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob"}
	_, err := states.GetOrCreate(ctx, key, store.RoleState{
		SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob", State: store.StateInitReady,
	})
	require.NoError(t, err)

	unknown := store.State("init_ready_0")
	err = b.Download(ctx, map[string][]store.State{
		"initiator:bob": {unknown},
	})
	require.NoError(t, err)

	row, err := states.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, unknown, row.State)
}

func TestDownloadIgnoresUnscopedAndEmptyKeys(t *testing.T) {
	ctx := context.Background()
	eng, states := newTestEngine(t, "alice")
	b := New(eng)

	key := store.Key{SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob"}
	_, err := states.GetOrCreate(ctx, key, store.RoleState{
		SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob", State: store.StateInitReady,
	})
	require.NoError(t, err)

	err = b.Download(ctx, map[string][]store.State{
		"bob":             {store.StateInitExchange},
		"initiator:bob_2": {}, // empty candidate list, no matching row either
	})
	require.NoError(t, err)

	row, err := states.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.StateInitReady, row.State, "unscoped and empty-candidate keys must not be applied")
}

func TestDownloadSkipsPeersWithoutRows(t *testing.T) {
	ctx := context.Background()
	eng, states := newTestEngine(t, "alice")
	b := New(eng)

	err := b.Download(ctx, map[string][]store.State{
		"initiator:stranger": {store.StateInitExchange},
	})
	require.NoError(t, err)

	_, err = states.Read(ctx, store.Key{SelfID: "alice", Role: store.RoleInitiator, PeerID: "stranger"})
	assert.ErrorIs(t, err, store.ErrNotFound, "a download must not conjure rows for unknown peers")
}

func TestDownloadUnknownRoleInScopeIsIgnored(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, "alice")
	b := New(eng)

	err := b.Download(ctx, map[string][]store.State{
		"observer:bob": {store.StateInitExchange},
	})
	assert.NoError(t, err)
}
