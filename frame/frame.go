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

// Package frame defines the bus wire format and the receive/send hook
// validation every frame passes through before it reaches, or after it
// leaves, the state machine core.
package frame

import (
	"encoding/json"

	"github.com/sage-x-project/relay-engine/cryptokit"
	"github.com/sage-x-project/relay-engine/internal/apperr"
	"github.com/sage-x-project/relay-engine/internal/metrics"
)

// Intent names the handshake or session step a frame carries.
type Intent string

const (
	IntentRegister  Intent = "register"
	IntentReconnect Intent = "reconnect"
	IntentConfirm   Intent = "confirm"
	IntentRequest   Intent = "request"
	IntentRespond   Intent = "respond"
	IntentConclude  Intent = "conclude"
	IntentFinish    Intent = "finish"
	IntentClose     Intent = "close"
)

var validIntents = map[Intent]struct{}{
	IntentRegister:  {},
	IntentReconnect: {},
	IntentConfirm:   {},
	IntentRequest:   {},
	IntentRespond:   {},
	IntentConclude:  {},
	IntentFinish:    {},
	IntentClose:     {},
}

// Frame is the line-delimited JSON object every agent sends and
// receives over the bus.
type Frame struct {
	From      string                    `json:"from"`
	To        *string                   `json:"to,omitempty"`
	Intent    Intent                    `json:"intent"`
	MyNonce   *string                   `json:"my_nonce,omitempty"`
	YourNonce *string                   `json:"your_nonce,omitempty"`
	MyRef     *string                   `json:"my_ref,omitempty"`
	YourRef   *string                   `json:"your_ref,omitempty"`
	HS        *cryptokit.HandshakeBlob  `json:"hs,omitempty"`
	Message   json.RawMessage           `json:"message,omitempty"`
	Sec       *cryptokit.SecureEnvelope `json:"sec,omitempty"`
}

// Encode serializes the frame to the bus's line-delimited JSON form.
func Encode(f *Frame) ([]byte, error) {
	out, err := json.Marshal(f)
	if err != nil {
		return nil, apperr.Validation("failed to encode frame", err)
	}
	return out, nil
}

// Decode parses one line of bus input into a Frame.
func Decode(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, apperr.Validation("frame is not valid JSON", err)
	}
	return &f, nil
}

// ValidateInbound runs the mandatory receive-hook checks against a
// frame this agent received, before it may reach the FSM: a non-empty
// sender, correct addressing, and a known intent.
func ValidateInbound(f *Frame, selfAgentID string) error {
	if f.From == "" {
		metrics.FramesDropped.WithLabelValues("empty_from").Inc()
		return apperr.Validation("frame has empty from", nil)
	}
	if f.To != nil && *f.To != selfAgentID {
		metrics.FramesDropped.WithLabelValues("wrong_addressee").Inc()
		return apperr.Validation("frame addressed to a different agent", nil)
	}
	if _, ok := validIntents[f.Intent]; !ok {
		metrics.FramesDropped.WithLabelValues("unknown_intent").Inc()
		return apperr.Validation("frame has unknown intent", nil)
	}
	metrics.FramesReceived.WithLabelValues(string(f.Intent)).Inc()
	return nil
}

// PrepareOutbound runs the mandatory send-hook step: stamping the
// sender's agent_id onto a frame the send driver built.
func PrepareOutbound(f *Frame, selfAgentID string) *Frame {
	f.From = selfAgentID
	metrics.FramesSent.WithLabelValues(string(f.Intent)).Inc()
	return f
}
