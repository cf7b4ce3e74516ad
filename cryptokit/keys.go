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

// Package cryptokit provides the ephemeral X25519 exchange, Ed25519
// signing, HKDF session key derivation, and AES-GCM secure envelopes the
// handshake engine needs.
package cryptokit

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// SignKeyPair is a long-term or per-handshake Ed25519 signing keypair.
type SignKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSignKeyPair creates a new Ed25519 signing keypair.
func GenerateSignKeyPair() (*SignKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return &SignKeyPair{Public: pub, Private: priv}, nil
}

// Sign signs message with the keypair's private key.
func (kp *SignKeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.Private, message)
}

// Verify checks sig over message against pub.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// ExchangeKeyPair is an X25519 key-agreement keypair, used both as the
// long-term kx_priv/kx_pub in an Identity and as the ephemeral keypair a
// handshake blob carries.
type ExchangeKeyPair struct {
	private *ecdh.PrivateKey
	public  *ecdh.PublicKey
}

// GenerateExchangeKeyPair creates a new X25519 keypair.
func GenerateExchangeKeyPair() (*ExchangeKeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate x25519 keypair: %w", err)
	}
	return &ExchangeKeyPair{private: priv, public: priv.PublicKey()}, nil
}

// ExchangeKeyPairFromPrivateBytes reconstructs a keypair from a 32-byte
// X25519 scalar, as loaded from a sealed identity file.
func ExchangeKeyPairFromPrivateBytes(raw []byte) (*ExchangeKeyPair, error) {
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse x25519 private key: %w", err)
	}
	return &ExchangeKeyPair{private: priv, public: priv.PublicKey()}, nil
}

// PublicBytes returns the 32-byte Montgomery-form public key.
func (kp *ExchangeKeyPair) PublicBytes() []byte {
	return kp.public.Bytes()
}

// PrivateBytes returns the 32-byte scalar, for sealing into an identity
// file. Callers must not retain or log this value.
func (kp *ExchangeKeyPair) PrivateBytes() []byte {
	return kp.private.Bytes()
}

// SharedSecret runs X25519(local_kx_priv, remote_kx_pub) against the
// 32-byte Montgomery-form public key of a peer.
func (kp *ExchangeKeyPair) SharedSecret(peerPubBytes []byte) ([]byte, error) {
	peerPub, err := ecdh.X25519().NewPublicKey(peerPubBytes)
	if err != nil {
		return nil, fmt.Errorf("parse peer exchange key: %w", err)
	}
	shared, err := kp.private.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("x25519 ecdh: %w", err)
	}
	return shared, nil
}
