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
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
)

// DeriveExchangeFromSigning deterministically rebuilds an X25519 exchange
// keypair from an Ed25519 signing private key, following RFC 8032 §5.1.5's
// scalar-clamping rule. An identity's kx_priv is normally generated
// independently of sign_priv, but if the exchange half of an identity file
// is lost while the signing half survives, this lets an operator recover a
// usable (if non-rotatable without re-deriving) exchange keypair instead of
// losing the identity outright.
func DeriveExchangeFromSigning(signPriv ed25519.PrivateKey) (*ExchangeKeyPair, error) {
	if l := len(signPriv); l != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("bad ed25519 private key length: %d", l)
	}

	seed := signPriv.Seed()
	h := sha512.Sum512(seed)
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	var scalar [32]byte
	copy(scalar[:], h[:32])

	return ExchangeKeyPairFromPrivateBytes(scalar[:])
}

// Ed25519PubToX25519Pub decompresses an Ed25519 public key's Edwards point
// and returns its Montgomery-form X25519 public key bytes, so a peer's
// signing identity can be checked against a recovered exchange key.
func Ed25519PubToX25519Pub(edPub ed25519.PublicKey) ([]byte, error) {
	if l := len(edPub); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad ed25519 public key length: %d", l)
	}
	p, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	return p.BytesMontgomery(), nil
}
