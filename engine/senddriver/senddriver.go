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

// Package senddriver is the Send Driver: the periodic tick and
// event-driven schedules that emit role-appropriate frames for every
// row the State Machine Core tracks, with correct nonce/reference/
// handshake attachment.
package senddriver

import (
	"context"
	"time"

	"github.com/sage-x-project/relay-engine/cryptokit"
	"github.com/sage-x-project/relay-engine/engine"
	"github.com/sage-x-project/relay-engine/frame"
	"github.com/sage-x-project/relay-engine/internal/apperr"
	"github.com/sage-x-project/relay-engine/internal/logger"
	"github.com/sage-x-project/relay-engine/store"
)

// FrameSender is the subset of bus.Client the send driver needs: a
// place to hand a built frame to for the send-hook and transport.
type FrameSender interface {
	Send(f *frame.Frame) error
}

// MessageProvider lets an application layer (a chat demo, a negotiation
// overlay) supply the next outbound message for a peer so the driver can
// seal it into a `sec` envelope when a session key is available. The
// core never looks inside the message; ok=false means nothing to send.
type MessageProvider interface {
	NextMessage(role store.Role, peerID string) (message interface{}, ok bool)
}

// Driver runs the periodic tick and the event-driven sender against one
// Engine, emitting frames through sender.
type Driver struct {
	eng      *engine.Engine
	sender   FrameSender
	messages MessageProvider
	interval time.Duration
	log      logger.Logger
}

// New builds a Driver. messages may be nil, in which case no `sec`
// envelopes are ever attached.
func New(eng *engine.Engine, sender FrameSender, interval time.Duration, messages MessageProvider) *Driver {
	return &Driver{
		eng:      eng,
		sender:   sender,
		messages: messages,
		interval: interval,
		log:      logger.GetDefaultLogger().WithFields(logger.String("component", "senddriver")),
	}
}

// Run blocks, ticking every interval until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.log.Warn("send driver tick failed", logger.Error(err))
			}
		}
	}
}

// Tick runs one periodic pass: maintenance frames for every known row,
// plus a single register broadcast.
func (d *Driver) Tick(ctx context.Context) error {
	if err := d.tickInitiatorRows(ctx); err != nil {
		return err
	}
	if err := d.tickResponderRows(ctx); err != nil {
		return err
	}
	return d.sendBroadcastRegister()
}

func (d *Driver) tickInitiatorRows(ctx context.Context) error {
	rows, err := d.eng.States().Scan(ctx, d.eng.SelfID(), store.RoleInitiator)
	if err != nil {
		return apperr.Storage("failed to scan initiator rows for tick", err)
	}
	for _, row := range rows {
		switch row.State {
		case store.StateInitReady:
			if row.PeerReference != "" {
				d.send(frame.Frame{
					To:      &row.PeerID,
					Intent:  frame.IntentReconnect,
					YourRef: &row.PeerReference,
				}, row.PeerID)
			}
		case store.StateInitFinalizeClose:
			localRef, peerRef := row.LocalReference, row.PeerReference
			d.send(frame.Frame{
				To:      &row.PeerID,
				Intent:  frame.IntentClose,
				YourRef: &peerRef,
				MyRef:   &localRef,
			}, row.PeerID)
			if _, err := d.eng.TickInitFinalizeClose(ctx, row.PeerID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Driver) tickResponderRows(ctx context.Context) error {
	rows, err := d.eng.States().Scan(ctx, d.eng.SelfID(), store.RoleResponder)
	if err != nil {
		return apperr.Storage("failed to scan responder rows for tick", err)
	}
	for _, row := range rows {
		if row.State != store.StateRespFinalize {
			continue
		}
		localRef, peerRef := row.LocalReference, row.PeerReference
		d.send(frame.Frame{
			To:      &row.PeerID,
			Intent:  frame.IntentFinish,
			YourRef: &peerRef,
			MyRef:   &localRef,
		}, row.PeerID)
		if _, err := d.eng.TickRespFinalize(ctx, row.PeerID); err != nil {
			return err
		}
	}
	return nil
}

// sendBroadcastRegister emits the one broadcast register frame every
// tick requires, regardless of which rows currently exist.
func (d *Driver) sendBroadcastRegister() error {
	return d.sender.Send(&frame.Frame{
		To:     nil,
		Intent: frame.IntentRegister,
	})
}

// Drive is the event-driven sender: called after a receive handler has
// committed its transition for peerID, it inspects the row's freshly
// updated state on both tracks and emits whatever frame that state
// calls for.
func (d *Driver) Drive(ctx context.Context, peerID string) error {
	if err := d.driveInitiator(ctx, peerID); err != nil {
		return err
	}
	return d.driveResponder(ctx, peerID)
}

func (d *Driver) driveInitiator(ctx context.Context, peerID string) error {
	key := store.Key{SelfID: d.eng.SelfID(), Role: store.RoleInitiator, PeerID: peerID}
	row, err := d.eng.States().Read(ctx, key)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return apperr.Storage("failed to read initiator row", err)
	}

	switch row.State {
	case store.StateInitExchange:
		return d.driveInitExchangeRequest(ctx, key, row)
	case store.StateInitFinalizePropose:
		return d.driveInitFinalizeProposeConclude(ctx, key, row)
	}
	return nil
}

func (d *Driver) driveInitExchangeRequest(ctx context.Context, key store.Key, row *store.RoleState) error {
	attachHS := row.LocalNonce == "" && row.ExchangeCount == 0
	nonce := engine.NewToken()

	if err := d.eng.States().Update(ctx, key, func(rs *store.RoleState) error {
		rs.LocalNonce = nonce
		return nil
	}); err != nil {
		return apperr.Storage("failed to store fresh local_nonce", err)
	}
	if err := d.eng.Nonces().RecordSent(ctx, key.SelfID, key.Role, key.PeerID, nonce); err != nil {
		return apperr.Storage("failed to record sent nonce", err)
	}

	peerNonce := row.PeerNonce
	f := frame.Frame{
		To:        &key.PeerID,
		Intent:    frame.IntentRequest,
		YourNonce: &peerNonce,
		MyNonce:   &nonce,
	}
	if attachHS {
		hs := cryptokit.BuildHandshakeBlob(cryptokit.HandshakeInit, nonce, d.eng.Identity().KX.PublicBytes(), d.eng.Identity().Sign, time.Now())
		f.HS = hs
	}
	d.sealIfPossible(&f, store.RoleInitiator, key.PeerID)
	return d.sendOrError(f, key.PeerID)
}

func (d *Driver) driveInitFinalizeProposeConclude(ctx context.Context, key store.Key, row *store.RoleState) error {
	localRef := row.LocalReference
	f := frame.Frame{
		To:     &key.PeerID,
		Intent: frame.IntentConclude,
		MyRef:  &localRef,
	}
	if err := d.eng.States().Update(ctx, key, func(rs *store.RoleState) error {
		rs.FinalizeRetryCount++
		return nil
	}); err != nil {
		return apperr.Storage("failed to bump finalize_retry_count", err)
	}
	return d.sendOrError(f, key.PeerID)
}

func (d *Driver) driveResponder(ctx context.Context, peerID string) error {
	key := store.Key{SelfID: d.eng.SelfID(), Role: store.RoleResponder, PeerID: peerID}
	row, err := d.eng.States().Read(ctx, key)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return apperr.Storage("failed to read responder row", err)
	}

	switch row.State {
	case store.StateRespConfirm:
		return d.driveRespConfirm(ctx, key)
	case store.StateRespExchange:
		return d.driveRespExchangeRespond(ctx, key, row)
	}
	return nil
}

func (d *Driver) driveRespConfirm(ctx context.Context, key store.Key) error {
	nonce := engine.NewToken()
	if err := d.eng.States().Update(ctx, key, func(rs *store.RoleState) error {
		rs.LocalNonce = nonce
		return nil
	}); err != nil {
		return apperr.Storage("failed to store fresh local_nonce", err)
	}
	if err := d.eng.Nonces().RecordSent(ctx, key.SelfID, key.Role, key.PeerID, nonce); err != nil {
		return apperr.Storage("failed to record sent nonce", err)
	}

	hs := cryptokit.BuildHandshakeBlob(cryptokit.HandshakeResponse, nonce, d.eng.Identity().KX.PublicBytes(), d.eng.Identity().Sign, time.Now())
	f := frame.Frame{
		To:      &key.PeerID,
		Intent:  frame.IntentConfirm,
		MyNonce: &nonce,
		HS:      hs,
	}
	return d.sendOrError(f, key.PeerID)
}

func (d *Driver) driveRespExchangeRespond(ctx context.Context, key store.Key, row *store.RoleState) error {
	nonce := engine.NewToken()
	if err := d.eng.States().Update(ctx, key, func(rs *store.RoleState) error {
		rs.LocalNonce = nonce
		return nil
	}); err != nil {
		return apperr.Storage("failed to store fresh local_nonce", err)
	}
	if err := d.eng.Nonces().RecordSent(ctx, key.SelfID, key.Role, key.PeerID, nonce); err != nil {
		return apperr.Storage("failed to record sent nonce", err)
	}

	peerNonce := row.PeerNonce
	f := frame.Frame{
		To:        &key.PeerID,
		Intent:    frame.IntentRespond,
		YourNonce: &peerNonce,
		MyNonce:   &nonce,
	}
	d.sealIfPossible(&f, store.RoleResponder, key.PeerID)
	return d.sendOrError(f, key.PeerID)
}

// sealIfPossible attaches a sec envelope to f when a session
// key is already cached for (role, peer) and the message provider has
// something to send. It never derives a key itself; the key is already
// established by the handshake that preceded this send.
func (d *Driver) sealIfPossible(f *frame.Frame, role store.Role, peerID string) {
	if d.messages == nil {
		return
	}
	key, ok := d.eng.Sessions().Peek(string(role), peerID)
	if !ok {
		return
	}
	msg, ok := d.messages.NextMessage(role, peerID)
	if !ok {
		return
	}
	sec, err := cryptokit.SealEnvelope(key, msg, d.eng.Identity().Sign, time.Now())
	if err != nil {
		d.log.Warn("failed to seal outbound message", logger.String("peer", peerID), logger.Error(err))
		return
	}
	f.Sec = sec
}

func (d *Driver) send(f frame.Frame, peerID string) {
	if err := d.sendOrError(f, peerID); err != nil {
		d.log.Warn("send driver failed to emit tick frame", logger.String("peer", peerID), logger.Error(err))
	}
}

func (d *Driver) sendOrError(f frame.Frame, peerID string) error {
	if err := d.sender.Send(&f); err != nil {
		return apperr.Storage("send driver failed to deliver frame", err).WithDetails("peer", peerID)
	}
	return nil
}
