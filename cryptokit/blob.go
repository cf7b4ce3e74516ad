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
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sage-x-project/relay-engine/internal/apperr"
	"github.com/sage-x-project/relay-engine/internal/metrics"
)

// HandshakeBlobType is the role a signed handshake blob was built for.
type HandshakeBlobType string

const (
	HandshakeInit     HandshakeBlobType = "init"
	HandshakeResponse HandshakeBlobType = "response"
)

// HandshakeBlob is the signed `hs` object carried in a bus frame: it
// asserts the sender's identity and ephemeral exchange key.
type HandshakeBlob struct {
	Type      HandshakeBlobType `json:"type"`
	Nonce     string            `json:"nonce"`
	KXPub     string            `json:"kx_pub"`
	SignPub   string            `json:"sign_pub"`
	Timestamp string            `json:"timestamp"`
	Sig       string            `json:"sig"`
}

func handshakeSigningInput(nonce, kxPubB64, timestamp string) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s", nonce, kxPubB64, timestamp))
}

// BuildHandshakeBlob signs a new handshake blob binding nonce (the same
// nonce value carried in the enclosing frame) to kxPub, stamped with the
// current time.
func BuildHandshakeBlob(typ HandshakeBlobType, nonce string, kxPub []byte, signer *SignKeyPair, now time.Time) *HandshakeBlob {
	kxPubB64 := base64.StdEncoding.EncodeToString(kxPub)
	signPubB64 := base64.StdEncoding.EncodeToString(signer.Public)
	ts := now.UTC().Format(time.RFC3339)

	sig := signer.Sign(handshakeSigningInput(nonce, kxPubB64, ts))

	return &HandshakeBlob{
		Type:      typ,
		Nonce:     nonce,
		KXPub:     kxPubB64,
		SignPub:   signPubB64,
		Timestamp: ts,
		Sig:       base64.StdEncoding.EncodeToString(sig),
	}
}

// VerifyHandshakeBlob checks the blob's signature and TTL. It does not
// check nonce freshness against the replay store — callers combine this
// with the Nonce Log's ttl_check/record_received_once.
func VerifyHandshakeBlob(b *HandshakeBlob, ttl time.Duration, now time.Time) error {
	kxPub, err := base64.StdEncoding.DecodeString(b.KXPub)
	if err != nil {
		return apperr.Validation("handshake blob kx_pub is not valid base64", err)
	}
	signPub, err := base64.StdEncoding.DecodeString(b.SignPub)
	if err != nil {
		return apperr.Validation("handshake blob sign_pub is not valid base64", err)
	}
	if len(signPub) != ed25519.PublicKeySize {
		return apperr.Validation(fmt.Sprintf("handshake blob sign_pub has bad length %d", len(signPub)), nil)
	}
	sig, err := base64.StdEncoding.DecodeString(b.Sig)
	if err != nil {
		return apperr.Validation("handshake blob sig is not valid base64", err)
	}

	ts, err := time.Parse(time.RFC3339, b.Timestamp)
	if err != nil {
		return apperr.Validation("handshake blob timestamp is not ISO-8601", err)
	}
	if age := now.Sub(ts); age > ttl || age < -ttl {
		return apperr.Crypto(fmt.Sprintf("handshake blob timestamp %s is outside the %s window", b.Timestamp, ttl), nil)
	}

	input := handshakeSigningInput(b.Nonce, b.KXPub, b.Timestamp)
	if !Verify(ed25519.PublicKey(signPub), input, sig) {
		metrics.SignatureVerifications.WithLabelValues("handshake", "invalid").Inc()
		return apperr.Crypto("handshake blob signature verification failed", nil)
	}
	metrics.SignatureVerifications.WithLabelValues("handshake", "ok").Inc()

	_ = kxPub // validated for format only; callers decode it for ExchangeKeyPair.SharedSecret
	return nil
}

// KXPubBytes decodes the blob's base64 exchange public key.
func (b *HandshakeBlob) KXPubBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(b.KXPub)
}

// SignPubBytes decodes the blob's base64 signing public key.
func (b *HandshakeBlob) SignPubBytes() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b.SignPub)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}
