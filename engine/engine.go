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

// Package engine is the State Machine Core: the per-(self, role, peer)
// finite state machine that drives a handshake from first contact
// through session establishment to finalize and close, reacting to
// inbound frames and to the send driver's tick-driven finalize
// cutovers.
package engine

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/sage-x-project/relay-engine/cryptokit"
	"github.com/sage-x-project/relay-engine/frame"
	"github.com/sage-x-project/relay-engine/identity"
	"github.com/sage-x-project/relay-engine/internal/apperr"
	"github.com/sage-x-project/relay-engine/internal/logger"
	"github.com/sage-x-project/relay-engine/internal/metrics"
	"github.com/sage-x-project/relay-engine/store"
)

// Config holds the FSM's tunable thresholds.
type Config struct {
	ExchangeLimit  int
	InitFinalLimit int
	RespFinalLimit int
	HandshakeTTL   time.Duration
}

// DefaultConfig returns the tunable defaults.
func DefaultConfig() Config {
	return Config{
		ExchangeLimit:  3,
		InitFinalLimit: 3,
		RespFinalLimit: 5,
		HandshakeTTL:   60 * time.Second,
	}
}

var initiatorIntents = map[frame.Intent]struct{}{
	frame.IntentConfirm: {},
	frame.IntentRespond: {},
	frame.IntentFinish:  {},
}

var responderIntents = map[frame.Intent]struct{}{
	frame.IntentRegister:  {},
	frame.IntentReconnect: {},
	frame.IntentRequest:   {},
	frame.IntentConclude:  {},
	frame.IntentClose:     {},
}

// Engine dispatches inbound frames to the initiator or responder track
// for the sending peer, serializing all work for a given (role, peer)
// pair on a per-key lock while letting different peers proceed
// concurrently.
type Engine struct {
	selfID   string
	identity *identity.Identity
	states   store.RoleStateStore
	nonces   store.NonceLog
	sessions *cryptokit.SessionKeyCache
	cfg      Config
	log      logger.Logger

	mu    sync.Mutex
	locks map[store.Key]*sync.Mutex
}

// New builds an Engine for id, persisting through states and nonces,
// caching session keys in sessions.
func New(id *identity.Identity, states store.RoleStateStore, nonces store.NonceLog, sessions *cryptokit.SessionKeyCache, cfg Config) *Engine {
	return &Engine{
		selfID:   id.AgentID,
		identity: id,
		states:   states,
		nonces:   nonces,
		sessions: sessions,
		cfg:      cfg,
		log:      logger.GetDefaultLogger().WithFields(logger.String("component", "engine")),
		locks:    make(map[store.Key]*sync.Mutex),
	}
}

// SelfID returns the agent_id this engine acts as.
func (e *Engine) SelfID() string { return e.selfID }

// States returns the backing Role State Store, for the send driver and
// state sync bridge to scan.
func (e *Engine) States() store.RoleStateStore { return e.states }

// Nonces returns the backing Nonce Log, for the send driver to record
// sent nonces against.
func (e *Engine) Nonces() store.NonceLog { return e.nonces }

// Sessions returns the session key cache.
func (e *Engine) Sessions() *cryptokit.SessionKeyCache { return e.sessions }

// Identity returns the engine's own signing and exchange keys.
func (e *Engine) Identity() *identity.Identity { return e.identity }

// Config returns the FSM's tunables.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) lockFor(key store.Key) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// HandleFrame runs the received frame through the state machine for
// the track its intent belongs to. Validation, replay, crypto, and
// protocol failures are logged and swallowed (the frame is dropped, no
// state change); storage failures are returned so the caller can
// surface them and let the next tick retry.
func (e *Engine) HandleFrame(ctx context.Context, f *frame.Frame) error {
	if f.From == e.selfID {
		return nil
	}

	var err error
	switch {
	case isIntent(initiatorIntents, f.Intent):
		err = e.handleInitiator(ctx, f)
	case isIntent(responderIntents, f.Intent):
		err = e.handleResponder(ctx, f)
	default:
		err = apperr.Validation("frame intent has no state machine track", nil).WithDetails("intent", string(f.Intent))
	}

	if err == nil {
		return nil
	}

	appErr, ok := err.(*apperr.Error)
	if !ok {
		e.log.Warn("state machine transition failed", logger.Error(err))
		return err
	}

	switch appErr.Kind {
	case apperr.KindValidation, apperr.KindProtocol:
		e.log.Info("dropping frame", logger.String("peer", f.From), logger.String("intent", string(f.Intent)), logger.Error(err))
		return nil
	case apperr.KindReplay, apperr.KindCrypto:
		e.log.Warn("dropping frame", logger.String("peer", f.From), logger.String("intent", string(f.Intent)), logger.Error(err))
		return nil
	case apperr.KindStorage:
		e.log.Error("state store operation failed, transition aborted", logger.String("peer", f.From), logger.Error(err))
		return err
	default:
		e.log.Warn("dropping frame", logger.String("peer", f.From), logger.Error(err))
		return nil
	}
}

func isIntent(set map[frame.Intent]struct{}, intent frame.Intent) bool {
	_, ok := set[intent]
	return ok
}

// deriveSessionKeyFromBlob derives the X25519+HKDF session key from a
// verified handshake blob and stores it in the cache keyed by
// (role, peer). Called once per handshake, on the frame that first
// carries hs.
func (e *Engine) deriveSessionKeyFromBlob(role store.Role, peerID string, hs *cryptokit.HandshakeBlob) error {
	kxPub, err := hs.KXPubBytes()
	if err != nil {
		return apperr.Validation("handshake blob kx_pub is not valid base64", err)
	}
	_, err = e.sessions.GetOrDerive(string(role), peerID, func() ([]byte, error) {
		shared, err := e.identity.KX.SharedSecret(kxPub)
		if err != nil {
			return nil, apperr.Crypto("x25519 shared secret computation failed", err)
		}
		key, err := cryptokit.DeriveSessionKey(shared)
		if err != nil {
			return nil, apperr.Crypto("session key derivation failed", err)
		}
		return key, nil
	})
	return err
}

// openInboundEnvelope unwraps a sec envelope into f.Message before the
// state switch dispatches the frame, so transition handlers only ever
// see plaintext payloads. The envelope signature is checked against the
// peer signing key captured during the handshake; any failure drops the
// frame before it can touch the row.
func (e *Engine) openInboundEnvelope(ctx context.Context, key store.Key, row *store.RoleState, f *frame.Frame) error {
	if f.Sec == nil {
		return nil
	}
	sessionKey, ok := e.sessions.Peek(string(key.Role), key.PeerID)
	if !ok {
		return apperr.Crypto("secure envelope received with no established session key", nil)
	}
	if row.PeerSignPub == "" {
		return apperr.Crypto("secure envelope received before the peer signing key was captured", nil)
	}
	signPub, err := base64.StdEncoding.DecodeString(row.PeerSignPub)
	if err != nil {
		return apperr.Validation("stored peer sign_pub is not valid base64", err)
	}

	var msg json.RawMessage
	if err := cryptokit.OpenEnvelope(sessionKey, f.Sec, ed25519.PublicKey(signPub), &msg); err != nil {
		return err
	}
	f.Message = msg
	f.Sec = nil

	if err := e.states.Update(ctx, key, func(rs *store.RoleState) error {
		rs.LastSecureMessageAt = time.Now()
		return nil
	}); err != nil {
		return apperr.Storage("failed to stamp last secure message time", err)
	}
	return nil
}

// --- Initiator track ---

func (e *Engine) handleInitiator(ctx context.Context, f *frame.Frame) error {
	key := store.Key{SelfID: e.selfID, Role: store.RoleInitiator, PeerID: f.From}
	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	row, err := e.states.GetOrCreate(ctx, key, store.RoleState{
		SelfID: e.selfID, Role: store.RoleInitiator, PeerID: f.From, State: store.StateInitReady,
	})
	if err != nil {
		return apperr.Storage("failed to load initiator row", err)
	}
	if err := e.openInboundEnvelope(ctx, key, row, f); err != nil {
		return err
	}

	switch row.State {
	case store.StateInitReady:
		if f.Intent != frame.IntentConfirm {
			return nil
		}
		return e.onInitReadyConfirm(ctx, key, f)
	case store.StateInitExchange:
		if f.Intent != frame.IntentRespond {
			return nil
		}
		return e.onInitExchangeRespond(ctx, key, f)
	case store.StateInitFinalizePropose:
		if f.Intent != frame.IntentFinish {
			return nil
		}
		return e.onInitFinalizeProposeFinish(ctx, key, f)
	default:
		// init_finalize_close ignores inbound frames; its only way out
		// is the tick-driven retry cutover.
		return nil
	}
}

func (e *Engine) onInitReadyConfirm(ctx context.Context, key store.Key, f *frame.Frame) error {
	if f.MyNonce == nil || *f.MyNonce == "" {
		return apperr.Validation("confirm frame missing my_nonce", nil)
	}
	now := time.Now()

	if f.HS != nil {
		if f.HS.Type != cryptokit.HandshakeResponse {
			return apperr.Protocol("confirm hs must be of type response", nil)
		}
		if f.HS.Nonce != *f.MyNonce {
			return apperr.Validation("confirm hs nonce does not match frame my_nonce", nil)
		}
		if err := cryptokit.VerifyHandshakeBlob(f.HS, e.cfg.HandshakeTTL, now); err != nil {
			return err
		}
	}

	result, err := e.nonces.RecordReceivedOnce(ctx, key.SelfID, key.Role, key.PeerID, *f.MyNonce)
	if err != nil {
		return apperr.Storage("failed to record received nonce", err)
	}
	if result == store.ResultDuplicate {
		metrics.NonceReplayDrops.WithLabelValues("initiator").Inc()
		return apperr.Replay("confirm nonce already seen", nil)
	}

	if f.HS != nil {
		if err := e.deriveSessionKeyFromBlob(key.Role, key.PeerID, f.HS); err != nil {
			return err
		}
	}

	metrics.HandshakesInitiated.WithLabelValues("initiator").Inc()

	return e.states.Update(ctx, key, func(rs *store.RoleState) error {
		rs.PeerNonce = *f.MyNonce
		if f.HS != nil {
			rs.PeerSignPub = f.HS.SignPub
			rs.PeerKXPub = f.HS.KXPub
			rs.LastHandshakeAt = now
		}
		rs.State = store.StateInitExchange
		return nil
	})
}

func (e *Engine) onInitExchangeRespond(ctx context.Context, key store.Key, f *frame.Frame) error {
	row, err := e.states.Read(ctx, key)
	if err != nil {
		return apperr.Storage("failed to load initiator row", err)
	}
	if row.LocalNonce == "" || f.YourNonce == nil || *f.YourNonce != row.LocalNonce {
		return apperr.Protocol("respond your_nonce does not echo local_nonce", nil)
	}
	if f.MyNonce == nil || *f.MyNonce == "" {
		return apperr.Validation("respond frame missing my_nonce", nil)
	}

	result, err := e.nonces.RecordReceivedOnce(ctx, key.SelfID, key.Role, key.PeerID, *f.MyNonce)
	if err != nil {
		return apperr.Storage("failed to record received nonce", err)
	}
	if result == store.ResultDuplicate {
		metrics.NonceReplayDrops.WithLabelValues("initiator").Inc()
		return apperr.Replay("respond nonce already seen", nil)
	}

	return e.states.Update(ctx, key, func(rs *store.RoleState) error {
		rs.ExchangeCount++
		rs.PeerNonce = *f.MyNonce
		rs.LocalNonce = ""
		if rs.ExchangeCount >= e.cfg.ExchangeLimit {
			if rs.LocalReference == "" {
				rs.LocalReference = NewToken()
			}
			rs.State = store.StateInitFinalizePropose
			metrics.ExchangeRounds.WithLabelValues("initiator").Observe(float64(rs.ExchangeCount))
		}
		return nil
	})
}

func (e *Engine) onInitFinalizeProposeFinish(ctx context.Context, key store.Key, f *frame.Frame) error {
	row, err := e.states.Read(ctx, key)
	if err != nil {
		return apperr.Storage("failed to load initiator row", err)
	}
	if row.LocalReference == "" || f.YourRef == nil || *f.YourRef != row.LocalReference {
		return apperr.Protocol("finish your_ref does not match local_reference", nil)
	}
	peerRef := row.PeerReference
	if f.MyRef != nil {
		peerRef = *f.MyRef
	}

	if err := e.states.Update(ctx, key, func(rs *store.RoleState) error {
		rs.PeerReference = peerRef
		rs.FinalizeRetryCount = 0
		rs.State = store.StateInitFinalizeClose
		return nil
	}); err != nil {
		return apperr.Storage("failed to update initiator row", err)
	}

	if err := e.nonces.PurgePair(ctx, key.SelfID, key.Role, key.PeerID); err != nil {
		return apperr.Storage("failed to purge nonce log on finalize", err)
	}
	e.sessions.Invalidate(string(key.Role), key.PeerID)
	metrics.HandshakesCompleted.WithLabelValues("initiator", "success").Inc()
	return nil
}

// TickInitFinalizeClose is called once per tick for every peer whose
// initiator row is in init_finalize_close; it bumps the finalize retry
// counter and, once it reaches InitFinalLimit, cuts the row back to
// init_ready while retaining both references. Returns whether the
// cutover fired this call.
func (e *Engine) TickInitFinalizeClose(ctx context.Context, peerID string) (bool, error) {
	key := store.Key{SelfID: e.selfID, Role: store.RoleInitiator, PeerID: peerID}
	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	cutover := false
	err := e.states.Update(ctx, key, func(rs *store.RoleState) error {
		if rs.State != store.StateInitFinalizeClose {
			return nil
		}
		rs.FinalizeRetryCount++
		if rs.FinalizeRetryCount >= e.cfg.InitFinalLimit {
			rs.State = store.StateInitReady
			rs.FinalizeRetryCount = 0
			rs.ExchangeCount = 0
			cutover = true
		}
		return nil
	})
	if err != nil {
		return false, apperr.Storage("failed to update initiator row on tick", err)
	}
	if cutover {
		metrics.HandshakesAborted.WithLabelValues("initiator", "retry_exhausted").Inc()
	}
	return cutover, nil
}

// --- Responder track ---

func (e *Engine) handleResponder(ctx context.Context, f *frame.Frame) error {
	key := store.Key{SelfID: e.selfID, Role: store.RoleResponder, PeerID: f.From}
	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	row, err := e.states.GetOrCreate(ctx, key, store.RoleState{
		SelfID: e.selfID, Role: store.RoleResponder, PeerID: f.From, State: store.StateRespReady,
	})
	if err != nil {
		return apperr.Storage("failed to load responder row", err)
	}
	if err := e.openInboundEnvelope(ctx, key, row, f); err != nil {
		return err
	}

	switch row.State {
	case store.StateRespReady:
		switch f.Intent {
		case frame.IntentRegister:
			return e.onRespReadyRegister(ctx, key, f, row)
		case frame.IntentReconnect:
			return e.onRespReadyReconnect(ctx, key, f, row)
		default:
			return nil
		}
	case store.StateRespConfirm:
		if f.Intent != frame.IntentRequest {
			return nil
		}
		return e.onRespRequest(ctx, key, f, true)
	case store.StateRespExchange:
		switch f.Intent {
		case frame.IntentRequest:
			return e.onRespRequest(ctx, key, f, false)
		case frame.IntentConclude:
			return e.onRespExchangeConclude(ctx, key, f)
		default:
			return nil
		}
	case store.StateRespFinalize:
		if f.Intent != frame.IntentClose {
			return nil
		}
		return e.onRespFinalizeClose(ctx, key, f)
	default:
		return nil
	}
}

func (e *Engine) onRespReadyRegister(ctx context.Context, key store.Key, f *frame.Frame, row *store.RoleState) error {
	if f.To != nil {
		return nil
	}
	if row.LocalReference != "" {
		return nil
	}
	metrics.HandshakesInitiated.WithLabelValues("responder").Inc()
	return e.states.Update(ctx, key, func(rs *store.RoleState) error {
		rs.State = store.StateRespConfirm
		return nil
	})
}

func (e *Engine) onRespReadyReconnect(ctx context.Context, key store.Key, f *frame.Frame, row *store.RoleState) error {
	if row.LocalReference == "" || f.YourRef == nil || *f.YourRef != row.LocalReference {
		return apperr.Protocol("reconnect your_ref does not match local_reference", nil)
	}
	metrics.HandshakesInitiated.WithLabelValues("responder").Inc()
	return e.states.Update(ctx, key, func(rs *store.RoleState) error {
		rs.LocalReference = ""
		rs.State = store.StateRespConfirm
		return nil
	})
}

func (e *Engine) onRespRequest(ctx context.Context, key store.Key, f *frame.Frame, firstRound bool) error {
	row, err := e.states.Read(ctx, key)
	if err != nil {
		return apperr.Storage("failed to load responder row", err)
	}
	if row.LocalNonce == "" || f.YourNonce == nil || *f.YourNonce != row.LocalNonce {
		return apperr.Protocol("request your_nonce does not echo local_nonce", nil)
	}
	if f.MyNonce == nil || *f.MyNonce == "" {
		return apperr.Validation("request frame missing my_nonce", nil)
	}
	now := time.Now()

	if f.HS != nil {
		if f.HS.Type != cryptokit.HandshakeInit {
			return apperr.Protocol("request hs must be of type init", nil)
		}
		if f.HS.Nonce != *f.MyNonce {
			return apperr.Validation("request hs nonce does not match frame my_nonce", nil)
		}
		if err := cryptokit.VerifyHandshakeBlob(f.HS, e.cfg.HandshakeTTL, now); err != nil {
			return err
		}
	}

	result, err := e.nonces.RecordReceivedOnce(ctx, key.SelfID, key.Role, key.PeerID, *f.MyNonce)
	if err != nil {
		return apperr.Storage("failed to record received nonce", err)
	}
	if result == store.ResultDuplicate {
		metrics.NonceReplayDrops.WithLabelValues("responder").Inc()
		return apperr.Replay("request nonce already seen", nil)
	}

	if f.HS != nil {
		if err := e.deriveSessionKeyFromBlob(key.Role, key.PeerID, f.HS); err != nil {
			return err
		}
	}

	return e.states.Update(ctx, key, func(rs *store.RoleState) error {
		rs.PeerNonce = *f.MyNonce
		rs.LocalNonce = ""
		if f.HS != nil {
			rs.PeerSignPub = f.HS.SignPub
			rs.PeerKXPub = f.HS.KXPub
			rs.LastHandshakeAt = now
		}
		if firstRound {
			rs.ExchangeCount = 1
		} else {
			rs.ExchangeCount++
		}
		rs.State = store.StateRespExchange
		return nil
	})
}

func (e *Engine) onRespExchangeConclude(ctx context.Context, key store.Key, f *frame.Frame) error {
	peerRef := ""
	if f.MyRef != nil {
		peerRef = *f.MyRef
	}
	return e.states.Update(ctx, key, func(rs *store.RoleState) error {
		rs.PeerReference = peerRef
		rs.ExchangeCount = 0
		if rs.LocalReference == "" {
			rs.LocalReference = NewToken()
		}
		rs.State = store.StateRespFinalize
		return nil
	})
}

func (e *Engine) onRespFinalizeClose(ctx context.Context, key store.Key, f *frame.Frame) error {
	row, err := e.states.Read(ctx, key)
	if err != nil {
		return apperr.Storage("failed to load responder row", err)
	}
	if row.LocalReference == "" || f.YourRef == nil || *f.YourRef != row.LocalReference {
		return apperr.Protocol("close your_ref does not match local_reference", nil)
	}
	peerRef := row.PeerReference
	if f.MyRef != nil {
		peerRef = *f.MyRef
	}

	if err := e.states.Update(ctx, key, func(rs *store.RoleState) error {
		rs.PeerReference = peerRef
		rs.FinalizeRetryCount = 0
		rs.ExchangeCount = 0
		rs.State = store.StateRespReady
		return nil
	}); err != nil {
		return apperr.Storage("failed to update responder row", err)
	}

	if err := e.nonces.PurgePair(ctx, key.SelfID, key.Role, key.PeerID); err != nil {
		return apperr.Storage("failed to purge nonce log on close", err)
	}
	e.sessions.Invalidate(string(key.Role), key.PeerID)
	metrics.HandshakesCompleted.WithLabelValues("responder", "success").Inc()
	return nil
}

// TickRespFinalize is called once per tick for every peer whose
// responder row is in resp_finalize; it bumps the finalize retry
// counter and, once it reaches RespFinalLimit, cuts the row back to
// resp_ready with both references wiped. Returns whether the cutover
// fired this call.
func (e *Engine) TickRespFinalize(ctx context.Context, peerID string) (bool, error) {
	key := store.Key{SelfID: e.selfID, Role: store.RoleResponder, PeerID: peerID}
	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	cutover := false
	err := e.states.Update(ctx, key, func(rs *store.RoleState) error {
		if rs.State != store.StateRespFinalize {
			return nil
		}
		rs.FinalizeRetryCount++
		if rs.FinalizeRetryCount >= e.cfg.RespFinalLimit {
			rs.State = store.StateRespReady
			rs.FinalizeRetryCount = 0
			rs.ExchangeCount = 0
			rs.LocalReference = ""
			rs.PeerReference = ""
			cutover = true
		}
		return nil
	})
	if err != nil {
		return false, apperr.Storage("failed to update responder row on tick", err)
	}
	if cutover {
		e.sessions.Invalidate(string(store.RoleResponder), peerID)
		metrics.HandshakesAborted.WithLabelValues("responder", "retry_exhausted").Inc()
	}
	return cutover, nil
}
