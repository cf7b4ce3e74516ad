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

package cryptokit

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/singleflight"

	"github.com/sage-x-project/relay-engine/internal/metrics"
)

const sessionKeyInfo = "summoner-session-v1"

// DeriveSessionKey computes session_key = HKDF-SHA256(shared, info, 32)
// from a raw X25519 shared secret.
func DeriveSessionKey(shared []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, shared, nil, []byte(sessionKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

type sessionCacheEntry struct {
	key      []byte
	lastUsed time.Time
}

// SessionKeyCache holds derived session keys in RAM only, keyed by
// (role, peer), and collapses concurrent derivations for the same pair
// into a single HKDF computation via singleflight — grounded on the
// resolver-call deduplication pattern the handshake server uses to avoid
// redundant work under concurrent requests for the same peer.
type SessionKeyCache struct {
	mu      sync.RWMutex
	entries map[string]*sessionCacheEntry
	group   singleflight.Group

	idleTTL time.Duration
	stop    chan struct{}
	done    chan struct{}
}

// NewSessionKeyCache starts a cache whose idle sweep runs every interval
// and evicts entries untouched for longer than idleTTL, so keys from
// abandoned handshakes don't linger in memory indefinitely.
func NewSessionKeyCache(idleTTL, sweepInterval time.Duration) *SessionKeyCache {
	c := &SessionKeyCache{
		entries: make(map[string]*sessionCacheEntry),
		idleTTL: idleTTL,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval)
	return c
}

func cacheKey(role, peer string) string {
	return role + "|" + peer
}

// GetOrDerive returns the cached session key for (role, peer), deriving it
// with deriveFn if absent. Concurrent calls for the same pair share one
// derivation.
func (c *SessionKeyCache) GetOrDerive(role, peer string, deriveFn func() ([]byte, error)) ([]byte, error) {
	k := cacheKey(role, peer)

	c.mu.RLock()
	if e, ok := c.entries[k]; ok {
		c.mu.RUnlock()
		c.mu.Lock()
		e.lastUsed = time.Now()
		c.mu.Unlock()
		metrics.SessionKeyDerivations.WithLabelValues("cached").Inc()
		return e.key, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(k, func() (interface{}, error) {
		key, err := deriveFn()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[k] = &sessionCacheEntry{key: key, lastUsed: time.Now()}
		c.mu.Unlock()

		metrics.SessionKeyDerivations.WithLabelValues("computed").Inc()
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Peek returns the cached session key for (role, peer) without deriving
// it, for callers that only want to know whether a key is already
// available (e.g. the send driver deciding whether to seal a message).
func (c *SessionKeyCache) Peek(role, peer string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey(role, peer)]
	if !ok {
		return nil, false
	}
	return e.key, true
}

// Invalidate removes the cached session key for (role, peer), used when a
// handshake is aborted or the pair finalizes and the key should not
// outlive the session.
func (c *SessionKeyCache) Invalidate(role, peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(role, peer))
}

// Close stops the idle sweep goroutine.
func (c *SessionKeyCache) Close() {
	close(c.stop)
	<-c.done
}

func (c *SessionKeyCache) sweepLoop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweepExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *SessionKeyCache) sweepExpired() {
	cutoff := time.Now().Add(-c.idleTTL)

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if e.lastUsed.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}
