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

package senddriver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sage-x-project/relay-engine/cryptokit"
	"github.com/sage-x-project/relay-engine/engine"
	"github.com/sage-x-project/relay-engine/frame"
	"github.com/sage-x-project/relay-engine/identity"
	"github.com/sage-x-project/relay-engine/store"
	"github.com/sage-x-project/relay-engine/store/memstore"
)

// fakeSender records every frame handed to Send, for assertions.
type fakeSender struct {
	mu     sync.Mutex
	frames []*frame.Frame
}

func (s *fakeSender) Send(f *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSender) byIntent(intent frame.Intent) []*frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*frame.Frame
	for _, f := range s.frames {
		if f.Intent == intent {
			out = append(out, f)
		}
	}
	return out
}

// fakeMessages always has exactly one pending message per (role, peer)
// until it has been consumed once.
type fakeMessages struct {
	mu      sync.Mutex
	pending map[string]interface{}
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{pending: make(map[string]interface{})}
}

func (m *fakeMessages) set(role store.Role, peerID string, msg interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[string(role)+"|"+peerID] = msg
}

func (m *fakeMessages) NextMessage(role store.Role, peerID string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(role) + "|" + peerID
	msg, ok := m.pending[k]
	if ok {
		delete(m.pending, k)
	}
	return msg, ok
}

func newTestEngine(t *testing.T, name string) (*engine.Engine, store.RoleStateStore, store.NonceLog) {
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

	return engine.New(id, states, nonces, sessions, engine.DefaultConfig()), states, nonces
}

func TestTickAlwaysBroadcastsRegister(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t, "alice")
	sender := &fakeSender{}
	d := New(eng, sender, time.Minute, nil)

	require.NoError(t, d.Tick(ctx))

	registers := sender.byIntent(frame.IntentRegister)
	require.Len(t, registers, 1)
	assert.Nil(t, registers[0].To)
}

func TestTickSendsReconnectOnlyWithPeerReference(t *testing.T) {
	ctx := context.Background()
	eng, states, _ := newTestEngine(t, "alice")
	sender := &fakeSender{}
	d := New(eng, sender, time.Minute, nil)

	key := store.Key{SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob"}
	_, err := states.GetOrCreate(ctx, key, store.RoleState{
		SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob", State: store.StateInitReady,
	})
	require.NoError(t, err)

	require.NoError(t, d.Tick(ctx))
	assert.Empty(t, sender.byIntent(frame.IntentReconnect), "no peer_reference yet, nothing to reconnect to")

	require.NoError(t, states.Update(ctx, key, func(rs *store.RoleState) error {
		rs.PeerReference = "r2"
		return nil
	}))
	require.NoError(t, d.Tick(ctx))

	reconnects := sender.byIntent(frame.IntentReconnect)
	require.Len(t, reconnects, 1)
	assert.Equal(t, "bob", *reconnects[0].To)
	assert.Equal(t, "r2", *reconnects[0].YourRef)
}

func TestTickDrivesInitFinalizeCloseCutover(t *testing.T) {
	ctx := context.Background()
	eng, states, _ := newTestEngine(t, "alice")
	sender := &fakeSender{}
	d := New(eng, sender, time.Minute, nil)

	key := store.Key{SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob"}
	_, err := states.GetOrCreate(ctx, key, store.RoleState{
		SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob", State: store.StateInitFinalizeClose,
	})
	require.NoError(t, err)
	require.NoError(t, states.Update(ctx, key, func(rs *store.RoleState) error {
		rs.LocalReference = "r1"
		rs.PeerReference = "r2"
		return nil
	}))

	limit := eng.Config().InitFinalLimit
	for i := 0; i < limit; i++ {
		require.NoError(t, d.Tick(ctx))
	}

	closes := sender.byIntent(frame.IntentClose)
	assert.Len(t, closes, limit)

	row, err := states.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.StateInitReady, row.State, "tick must have driven the retry cutover")
}

func TestTickDrivesRespFinalizeCutover(t *testing.T) {
	ctx := context.Background()
	eng, states, _ := newTestEngine(t, "bob")
	sender := &fakeSender{}
	d := New(eng, sender, time.Minute, nil)

	key := store.Key{SelfID: "bob", Role: store.RoleResponder, PeerID: "alice"}
	_, err := states.GetOrCreate(ctx, key, store.RoleState{
		SelfID: "bob", Role: store.RoleResponder, PeerID: "alice", State: store.StateRespFinalize,
	})
	require.NoError(t, err)
	require.NoError(t, states.Update(ctx, key, func(rs *store.RoleState) error {
		rs.LocalReference = "r1"
		rs.PeerReference = "r2"
		return nil
	}))

	limit := eng.Config().RespFinalLimit
	for i := 0; i < limit; i++ {
		require.NoError(t, d.Tick(ctx))
	}

	finishes := sender.byIntent(frame.IntentFinish)
	assert.Len(t, finishes, limit)

	row, err := states.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, store.StateRespReady, row.State)
}

func TestDriveInitExchangeAttachesHSOnlyOnFirstRound(t *testing.T) {
	ctx := context.Background()
	eng, states, _ := newTestEngine(t, "alice")
	sender := &fakeSender{}
	d := New(eng, sender, time.Minute, nil)

	key := store.Key{SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob"}
	_, err := states.GetOrCreate(ctx, key, store.RoleState{
		SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob", State: store.StateInitExchange,
	})
	require.NoError(t, err)

	require.NoError(t, d.Drive(ctx, "bob"))
	requests := sender.byIntent(frame.IntentRequest)
	require.Len(t, requests, 1)
	assert.NotNil(t, requests[0].HS, "first round of exchange must attach a fresh hs blob")
	assert.NotNil(t, requests[0].MyNonce)

	row, err := states.Read(ctx, key)
	require.NoError(t, err)
	assert.NotEmpty(t, row.LocalNonce)

	// Simulate having already exchanged one round: a later request from
	// the same row must not re-attach hs.
	require.NoError(t, states.Update(ctx, key, func(rs *store.RoleState) error {
		rs.ExchangeCount = 1
		return nil
	}))
	require.NoError(t, d.Drive(ctx, "bob"))
	requests = sender.byIntent(frame.IntentRequest)
	require.Len(t, requests, 2)
	assert.Nil(t, requests[1].HS)
}

func TestDriveInitFinalizeProposeSendsConcludeAndBumpsRetry(t *testing.T) {
	ctx := context.Background()
	eng, states, _ := newTestEngine(t, "alice")
	sender := &fakeSender{}
	d := New(eng, sender, time.Minute, nil)

	key := store.Key{SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob"}
	_, err := states.GetOrCreate(ctx, key, store.RoleState{
		SelfID: "alice", Role: store.RoleInitiator, PeerID: "bob", State: store.StateInitFinalizePropose,
	})
	require.NoError(t, err)
	require.NoError(t, states.Update(ctx, key, func(rs *store.RoleState) error {
		rs.LocalReference = "r1"
		return nil
	}))

	require.NoError(t, d.Drive(ctx, "bob"))

	concludes := sender.byIntent(frame.IntentConclude)
	require.Len(t, concludes, 1)
	assert.Equal(t, "r1", *concludes[0].MyRef)

	row, err := states.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, row.FinalizeRetryCount)
}

func TestDriveRespConfirmAlwaysAttachesHS(t *testing.T) {
	ctx := context.Background()
	eng, states, _ := newTestEngine(t, "bob")
	sender := &fakeSender{}
	d := New(eng, sender, time.Minute, nil)

	key := store.Key{SelfID: "bob", Role: store.RoleResponder, PeerID: "alice"}
	_, err := states.GetOrCreate(ctx, key, store.RoleState{
		SelfID: "bob", Role: store.RoleResponder, PeerID: "alice", State: store.StateRespConfirm,
	})
	require.NoError(t, err)

	require.NoError(t, d.Drive(ctx, "alice"))

	confirms := sender.byIntent(frame.IntentConfirm)
	require.Len(t, confirms, 1)
	assert.NotNil(t, confirms[0].HS)
	assert.Equal(t, cryptokit.HandshakeResponse, confirms[0].HS.Type)

	row, err := states.Read(ctx, key)
	require.NoError(t, err)
	assert.NotEmpty(t, row.LocalNonce)
}

func TestDriveRespExchangeRespondEchoesPeerNonce(t *testing.T) {
	ctx := context.Background()
	eng, states, _ := newTestEngine(t, "bob")
	sender := &fakeSender{}
	d := New(eng, sender, time.Minute, nil)

	key := store.Key{SelfID: "bob", Role: store.RoleResponder, PeerID: "alice"}
	_, err := states.GetOrCreate(ctx, key, store.RoleState{
		SelfID: "bob", Role: store.RoleResponder, PeerID: "alice", State: store.StateRespExchange,
	})
	require.NoError(t, err)
	require.NoError(t, states.Update(ctx, key, func(rs *store.RoleState) error {
		rs.PeerNonce = "n-from-alice"
		return nil
	}))

	require.NoError(t, d.Drive(ctx, "alice"))

	responds := sender.byIntent(frame.IntentRespond)
	require.Len(t, responds, 1)
	assert.Equal(t, "n-from-alice", *responds[0].YourNonce)
	assert.Nil(t, responds[0].HS, "respond frames never carry a handshake blob")
}

func TestDriveSealsMessageWhenSessionKeyIsCached(t *testing.T) {
	ctx := context.Background()
	eng, states, _ := newTestEngine(t, "bob")
	sender := &fakeSender{}
	messages := newFakeMessages()
	d := New(eng, sender, time.Minute, messages)

	key := store.Key{SelfID: "bob", Role: store.RoleResponder, PeerID: "alice"}
	_, err := states.GetOrCreate(ctx, key, store.RoleState{
		SelfID: "bob", Role: store.RoleResponder, PeerID: "alice", State: store.StateRespExchange,
	})
	require.NoError(t, err)

	_, err = eng.Sessions().GetOrDerive(string(store.RoleResponder), "alice", func() ([]byte, error) {
		return make([]byte, 32), nil
	})
	require.NoError(t, err)
	messages.set(store.RoleResponder, "alice", map[string]string{"text": "hi"})

	require.NoError(t, d.Drive(ctx, "alice"))

	responds := sender.byIntent(frame.IntentRespond)
	require.Len(t, responds, 1)
	assert.NotNil(t, responds[0].Sec, "a cached session key and a pending message must produce a sealed envelope")
}

func TestDriveDoesNotSealWithoutCachedSessionKey(t *testing.T) {
	ctx := context.Background()
	eng, states, _ := newTestEngine(t, "bob")
	sender := &fakeSender{}
	messages := newFakeMessages()
	d := New(eng, sender, time.Minute, messages)

	key := store.Key{SelfID: "bob", Role: store.RoleResponder, PeerID: "alice"}
	_, err := states.GetOrCreate(ctx, key, store.RoleState{
		SelfID: "bob", Role: store.RoleResponder, PeerID: "alice", State: store.StateRespExchange,
	})
	require.NoError(t, err)
	messages.set(store.RoleResponder, "alice", map[string]string{"text": "hi"})

	require.NoError(t, d.Drive(ctx, "alice"))

	responds := sender.byIntent(frame.IntentRespond)
	require.Len(t, responds, 1)
	assert.Nil(t, responds[0].Sec)
}

func TestDriveNoOpWhenNoRowExists(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newTestEngine(t, "bob")
	sender := &fakeSender{}
	d := New(eng, sender, time.Minute, nil)

	require.NoError(t, d.Drive(ctx, "nobody"))
	assert.Empty(t, sender.frames)
}
