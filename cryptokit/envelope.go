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
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sage-x-project/relay-engine/internal/apperr"
	"github.com/sage-x-project/relay-engine/internal/metrics"
)

// Envelope is the AEAD-sealed body of a `sec` frame.
type Envelope struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Hash       string `json:"hash"`
	Timestamp  string `json:"ts"`
}

// SecureEnvelope wraps an Envelope with the sender's signature over its
// canonical JSON encoding.
type SecureEnvelope struct {
	Envelope Envelope `json:"envelope"`
	Sig      string   `json:"sig"`
}

// canonicalEnvelopeJSON marshals fields in the fixed key order the
// signature covers, so both sides compute the same bytes regardless of
// map ordering.
func canonicalEnvelopeJSON(e Envelope) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	fmt.Fprintf(&buf, "%q:%q,", "nonce", e.Nonce)
	fmt.Fprintf(&buf, "%q:%q,", "ciphertext", e.Ciphertext)
	fmt.Fprintf(&buf, "%q:%q,", "hash", e.Hash)
	fmt.Fprintf(&buf, "%q:%q", "ts", e.Timestamp)
	buf.WriteByte('}')
	return buf.Bytes()
}

// SealEnvelope encrypts message (an arbitrary JSON value) under
// sessionKey with AES-GCM, embeds the plaintext's sha256 hash, and signs
// the resulting envelope with signer.
func SealEnvelope(sessionKey []byte, message interface{}, signer *SignKeyPair, now time.Time) (*SecureEnvelope, error) {
	plaintext, err := json.Marshal(message)
	if err != nil {
		return nil, apperr.Validation("secure envelope message is not valid JSON", err)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		metrics.EnvelopeSeals.WithLabelValues("error").Inc()
		return nil, apperr.Crypto("secure envelope cipher init failed", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		metrics.EnvelopeSeals.WithLabelValues("error").Inc()
		return nil, apperr.Crypto("secure envelope gcm init failed", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		metrics.EnvelopeSeals.WithLabelValues("error").Inc()
		return nil, apperr.Crypto("secure envelope nonce generation failed", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	hash := sha256.Sum256(plaintext)

	envelope := Envelope{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Hash:       base64.StdEncoding.EncodeToString(hash[:]),
		Timestamp:  now.UTC().Format(time.RFC3339),
	}

	sig := signer.Sign(canonicalEnvelopeJSON(envelope))

	metrics.EnvelopeSeals.WithLabelValues("ok").Inc()
	return &SecureEnvelope{
		Envelope: envelope,
		Sig:      base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// OpenEnvelope verifies the envelope's signature against signPub,
// decrypts it with sessionKey, checks the embedded hash, and unmarshals
// the plaintext into out.
func OpenEnvelope(sessionKey []byte, se *SecureEnvelope, signPub ed25519.PublicKey, out interface{}) error {
	sig, err := base64.StdEncoding.DecodeString(se.Sig)
	if err != nil {
		metrics.EnvelopeOpens.WithLabelValues("error").Inc()
		return apperr.Validation("secure envelope sig is not valid base64", err)
	}
	if !Verify(signPub, canonicalEnvelopeJSON(se.Envelope), sig) {
		metrics.SignatureVerifications.WithLabelValues("envelope", "invalid").Inc()
		metrics.EnvelopeOpens.WithLabelValues("bad_sig").Inc()
		return apperr.Crypto("secure envelope signature verification failed", nil)
	}
	metrics.SignatureVerifications.WithLabelValues("envelope", "ok").Inc()

	nonce, err := base64.StdEncoding.DecodeString(se.Envelope.Nonce)
	if err != nil {
		metrics.EnvelopeOpens.WithLabelValues("error").Inc()
		return apperr.Validation("secure envelope nonce is not valid base64", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(se.Envelope.Ciphertext)
	if err != nil {
		metrics.EnvelopeOpens.WithLabelValues("error").Inc()
		return apperr.Validation("secure envelope ciphertext is not valid base64", err)
	}
	wantHash, err := base64.StdEncoding.DecodeString(se.Envelope.Hash)
	if err != nil {
		metrics.EnvelopeOpens.WithLabelValues("error").Inc()
		return apperr.Validation("secure envelope hash is not valid base64", err)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		metrics.EnvelopeOpens.WithLabelValues("error").Inc()
		return apperr.Crypto("secure envelope cipher init failed", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		metrics.EnvelopeOpens.WithLabelValues("error").Inc()
		return apperr.Crypto("secure envelope gcm init failed", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		metrics.EnvelopeOpens.WithLabelValues("decrypt_failed").Inc()
		return apperr.Crypto("secure envelope decryption failed", err)
	}

	gotHash := sha256.Sum256(plaintext)
	if !bytes.Equal(gotHash[:], wantHash) {
		metrics.EnvelopeOpens.WithLabelValues("hash_mismatch").Inc()
		return apperr.Crypto("secure envelope plaintext hash mismatch", nil)
	}

	if out != nil {
		if err := json.Unmarshal(plaintext, out); err != nil {
			metrics.EnvelopeOpens.WithLabelValues("error").Inc()
			return apperr.Validation("secure envelope plaintext is not valid JSON", err)
		}
	}
	metrics.EnvelopeOpens.WithLabelValues("ok").Inc()
	return nil
}
