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

// Package memstore is the default in-memory RoleStateStore and NonceLog,
// suitable for a single-process agent run.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/sage-x-project/relay-engine/store"
)

// RoleStateStore implements store.RoleStateStore over a mutex-guarded map.
type RoleStateStore struct {
	mu   sync.RWMutex
	rows map[store.Key]*store.RoleState
}

// NewRoleStateStore creates an empty in-memory role state store.
func NewRoleStateStore() *RoleStateStore {
	return &RoleStateStore{rows: make(map[store.Key]*store.RoleState)}
}

func cloneRoleState(s *store.RoleState) *store.RoleState {
	clone := *s
	return &clone
}

func (s *RoleStateStore) GetOrCreate(ctx context.Context, key store.Key, defaults store.RoleState) (*store.RoleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.rows[key]; ok {
		return cloneRoleState(row), nil
	}

	row := defaults
	row.SelfID = key.SelfID
	row.Role = key.Role
	row.PeerID = key.PeerID
	row.UpdatedAt = time.Now()

	stored := row
	s.rows[key] = &stored
	return cloneRoleState(&stored), nil
}

func (s *RoleStateStore) Read(ctx context.Context, key store.Key) (*store.RoleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRoleState(row), nil
}

func (s *RoleStateStore) Update(ctx context.Context, key store.Key, fn func(*store.RoleState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[key]
	if !ok {
		return store.ErrNotFound
	}

	working := cloneRoleState(row)
	if err := fn(working); err != nil {
		return err
	}
	working.UpdatedAt = time.Now()
	s.rows[key] = working
	return nil
}

func (s *RoleStateStore) Scan(ctx context.Context, selfID string, role store.Role) ([]*store.RoleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.RoleState
	for k, row := range s.rows {
		if k.SelfID == selfID && k.Role == role {
			out = append(out, cloneRoleState(row))
		}
	}
	return out, nil
}

func (s *RoleStateStore) Delete(ctx context.Context, key store.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rows, key)
	return nil
}

// NonceLog implements store.NonceLog over a mutex-guarded map, deduping
// received-flow nonces with a dedicated dedupe index.
type NonceLog struct {
	mu     sync.Mutex
	events map[store.Key][]store.NonceEvent
	seen   map[string]struct{}
}

// NewNonceLog creates an empty in-memory nonce log.
func NewNonceLog() *NonceLog {
	return &NonceLog{
		events: make(map[store.Key][]store.NonceEvent),
		seen:   make(map[string]struct{}),
	}
}

func dedupeKey(selfID string, role store.Role, peerID string, flow store.NonceFlow, nonce string) string {
	return selfID + "|" + string(role) + "|" + peerID + "|" + string(flow) + "|" + nonce
}

func (l *NonceLog) RecordSent(ctx context.Context, selfID string, role store.Role, peerID, nonce string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := store.Key{SelfID: selfID, Role: role, PeerID: peerID}
	l.events[key] = append(l.events[key], store.NonceEvent{
		SelfID: selfID, Role: role, PeerID: peerID,
		Flow: store.FlowSent, Nonce: nonce, Ts: time.Now(),
	})
	return nil
}

func (l *NonceLog) RecordReceivedOnce(ctx context.Context, selfID string, role store.Role, peerID, nonce string) (store.RecordResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dk := dedupeKey(selfID, role, peerID, store.FlowReceived, nonce)
	if _, ok := l.seen[dk]; ok {
		return store.ResultDuplicate, nil
	}
	l.seen[dk] = struct{}{}

	key := store.Key{SelfID: selfID, Role: role, PeerID: peerID}
	l.events[key] = append(l.events[key], store.NonceEvent{
		SelfID: selfID, Role: role, PeerID: peerID,
		Flow: store.FlowReceived, Nonce: nonce, Ts: time.Now(),
	})
	return store.ResultFresh, nil
}

func (l *NonceLog) PurgePair(ctx context.Context, selfID string, role store.Role, peerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := store.Key{SelfID: selfID, Role: role, PeerID: peerID}
	for _, ev := range l.events[key] {
		if ev.Flow == store.FlowReceived {
			delete(l.seen, dedupeKey(selfID, role, peerID, ev.Flow, ev.Nonce))
		}
	}
	delete(l.events, key)
	return nil
}
