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

// Package pgstore is the PostgreSQL-backed RoleStateStore and NonceLog,
// for agents that need state to survive a process restart.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sage-x-project/relay-engine/store"
)

// Config holds PostgreSQL connection parameters.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (c Config) connString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Pool wraps a pgxpool.Pool shared by RoleStateStore and NonceLog.
type Pool struct {
	pool *pgxpool.Pool
}

// Connect opens a pooled connection and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Pool{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (p *Pool) Close() {
	p.pool.Close()
}

// Ping checks the database connection.
func (p *Pool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// RoleStateStore implements store.RoleStateStore over PostgreSQL.
type RoleStateStore struct {
	pool *pgxpool.Pool
}

// NewRoleStateStore builds a RoleStateStore backed by pool.
func NewRoleStateStore(pool *Pool) *RoleStateStore {
	return &RoleStateStore{pool: pool.pool}
}

func scanRoleState(row pgx.Row) (*store.RoleState, error) {
	var rs store.RoleState
	var localNonce, peerNonce, localRef, peerRef, peerAddress, peerSignPub, peerKXPub *string
	var lastHandshakeAt, lastSecureMessageAt *time.Time

	err := row.Scan(
		&rs.SelfID, &rs.Role, &rs.PeerID, &rs.State,
		&localNonce, &peerNonce, &localRef, &peerRef,
		&rs.ExchangeCount, &rs.FinalizeRetryCount,
		&peerAddress, &peerSignPub, &peerKXPub,
		&lastHandshakeAt, &lastSecureMessageAt, &rs.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if localNonce != nil {
		rs.LocalNonce = *localNonce
	}
	if peerNonce != nil {
		rs.PeerNonce = *peerNonce
	}
	if localRef != nil {
		rs.LocalReference = *localRef
	}
	if peerRef != nil {
		rs.PeerReference = *peerRef
	}
	if peerAddress != nil {
		rs.PeerAddress = *peerAddress
	}
	if peerSignPub != nil {
		rs.PeerSignPub = *peerSignPub
	}
	if peerKXPub != nil {
		rs.PeerKXPub = *peerKXPub
	}
	if lastHandshakeAt != nil {
		rs.LastHandshakeAt = *lastHandshakeAt
	}
	if lastSecureMessageAt != nil {
		rs.LastSecureMessageAt = *lastSecureMessageAt
	}
	return &rs, nil
}

func (s *RoleStateStore) Read(ctx context.Context, key store.Key) (*store.RoleState, error) {
	query := `
		SELECT self_id, role, peer_id, state, local_nonce, peer_nonce,
		       local_reference, peer_reference, exchange_count, finalize_retry_count,
		       peer_address, peer_sign_pub, peer_kx_pub, last_handshake_at,
		       last_secure_message_at, updated_at
		FROM role_states
		WHERE self_id = $1 AND role = $2 AND peer_id = $3
	`
	rs, err := scanRoleState(s.pool.QueryRow(ctx, query, key.SelfID, key.Role, key.PeerID))
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read role state: %w", err)
	}
	return rs, nil
}

func (s *RoleStateStore) GetOrCreate(ctx context.Context, key store.Key, defaults store.RoleState) (*store.RoleState, error) {
	if rs, err := s.Read(ctx, key); err == nil {
		return rs, nil
	} else if err != store.ErrNotFound {
		return nil, err
	}

	query := `
		INSERT INTO role_states (self_id, role, peer_id, state, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (self_id, role, peer_id) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, key.SelfID, key.Role, key.PeerID, defaults.State); err != nil {
		return nil, fmt.Errorf("failed to create role state: %w", err)
	}
	return s.Read(ctx, key)
}

func (s *RoleStateStore) Update(ctx context.Context, key store.Key, fn func(*store.RoleState) error) error {
	current, err := s.Read(ctx, key)
	if err != nil {
		return err
	}
	if err := fn(current); err != nil {
		return err
	}

	query := `
		UPDATE role_states
		SET state = $1, local_nonce = $2, peer_nonce = $3, local_reference = $4,
		    peer_reference = $5, exchange_count = $6, finalize_retry_count = $7,
		    peer_address = $8, peer_sign_pub = $9, peer_kx_pub = $10,
		    last_handshake_at = $11, last_secure_message_at = $12, updated_at = NOW()
		WHERE self_id = $13 AND role = $14 AND peer_id = $15
	`
	_, err = s.pool.Exec(ctx, query,
		current.State, nullable(current.LocalNonce), nullable(current.PeerNonce),
		nullable(current.LocalReference), nullable(current.PeerReference),
		current.ExchangeCount, current.FinalizeRetryCount,
		nullable(current.PeerAddress), nullable(current.PeerSignPub), nullable(current.PeerKXPub),
		nullableTime(current.LastHandshakeAt), nullableTime(current.LastSecureMessageAt),
		key.SelfID, key.Role, key.PeerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update role state: %w", err)
	}
	return nil
}

func (s *RoleStateStore) Scan(ctx context.Context, selfID string, role store.Role) ([]*store.RoleState, error) {
	query := `
		SELECT self_id, role, peer_id, state, local_nonce, peer_nonce,
		       local_reference, peer_reference, exchange_count, finalize_retry_count,
		       peer_address, peer_sign_pub, peer_kx_pub, last_handshake_at,
		       last_secure_message_at, updated_at
		FROM role_states
		WHERE self_id = $1 AND role = $2
	`
	rows, err := s.pool.Query(ctx, query, selfID, role)
	if err != nil {
		return nil, fmt.Errorf("failed to scan role states: %w", err)
	}
	defer rows.Close()

	var out []*store.RoleState
	for rows.Next() {
		rs, err := scanRoleState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role state row: %w", err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (s *RoleStateStore) Delete(ctx context.Context, key store.Key) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM role_states WHERE self_id = $1 AND role = $2 AND peer_id = $3`,
		key.SelfID, key.Role, key.PeerID)
	if err != nil {
		return fmt.Errorf("failed to delete role state: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// NonceLog implements store.NonceLog over PostgreSQL, using a unique
// constraint on (self_id, role, peer_id, flow, nonce) for the dedupe
// check that RecordReceivedOnce needs to be atomic.
type NonceLog struct {
	pool *pgxpool.Pool
}

// NewNonceLog builds a NonceLog backed by pool.
func NewNonceLog(pool *Pool) *NonceLog {
	return &NonceLog{pool: pool.pool}
}

func (l *NonceLog) RecordSent(ctx context.Context, selfID string, role store.Role, peerID, nonce string) error {
	query := `
		INSERT INTO nonce_events (self_id, role, peer_id, flow, nonce, ts)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`
	if _, err := l.pool.Exec(ctx, query, selfID, role, peerID, store.FlowSent, nonce); err != nil {
		return fmt.Errorf("failed to record sent nonce: %w", err)
	}
	return nil
}

func (l *NonceLog) RecordReceivedOnce(ctx context.Context, selfID string, role store.Role, peerID, nonce string) (store.RecordResult, error) {
	query := `
		INSERT INTO nonce_events (self_id, role, peer_id, flow, nonce, ts)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (self_id, role, peer_id, flow, nonce) DO NOTHING
	`
	tag, err := l.pool.Exec(ctx, query, selfID, role, peerID, store.FlowReceived, nonce)
	if err != nil {
		return "", fmt.Errorf("failed to record received nonce: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ResultDuplicate, nil
	}
	return store.ResultFresh, nil
}

func (l *NonceLog) PurgePair(ctx context.Context, selfID string, role store.Role, peerID string) error {
	query := `DELETE FROM nonce_events WHERE self_id = $1 AND role = $2 AND peer_id = $3`
	if _, err := l.pool.Exec(ctx, query, selfID, role, peerID); err != nil {
		return fmt.Errorf("failed to purge nonce events: %w", err)
	}
	return nil
}
