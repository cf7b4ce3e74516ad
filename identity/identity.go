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

// Package identity seals and unseals an agent's long-term signing and
// key-exchange keypairs at rest, deriving the sealing key from an
// operator passphrase with scrypt.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"

	"github.com/sage-x-project/relay-engine/cryptokit"
	"github.com/sage-x-project/relay-engine/internal/apperr"
)

const (
	scryptN      = 1 << 14
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltSize     = 32
	fileVersion  = "1"
)

// Identity holds an agent's unsealed long-term keys. It exists only in
// process memory; it is never written to disk in plaintext.
type Identity struct {
	AgentID string
	Sign    *cryptokit.SignKeyPair
	KX      *cryptokit.ExchangeKeyPair
}

// plaintext is the JSON shape sealed inside the identity file.
type plaintext struct {
	AgentID  string `json:"agent_id"`
	SignPriv string `json:"sign_priv"`
	SignPub  string `json:"sign_pub"`
	KXPriv   string `json:"kx_priv"`
	KXPub    string `json:"kx_pub"`
}

type kdfParams struct {
	Name string `json:"name"`
	N    int    `json:"N"`
	R    int    `json:"r"`
	P    int    `json:"p"`
	Salt string `json:"salt"`
}

type aeadParams struct {
	Name  string `json:"name"`
	Nonce string `json:"nonce"`
}

// sealedFile is the on-disk shape of id_agent_<name>.json.
type sealedFile struct {
	Version    string     `json:"version"`
	KDF        kdfParams  `json:"kdf"`
	AEAD       aeadParams `json:"aead"`
	Ciphertext string     `json:"ciphertext"`
}

// Store manages identity files under a directory, one per agent name.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore opens (and creates, if absent) the identity directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, apperr.Storage("failed to create identity directory", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(name string) string {
	safeName := filepath.Base(name)
	return filepath.Join(s.dir, "id_agent_"+safeName+".json")
}

// LoadOrCreate opens the identity file for name, generating and sealing
// a fresh identity if none exists.
func (s *Store) LoadOrCreate(name, passphrase string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(name)
	if _, err := os.Stat(path); err == nil {
		return s.load(path, passphrase)
	} else if !os.IsNotExist(err) {
		return nil, apperr.Storage("failed to stat identity file", err)
	}

	signKP, err := cryptokit.GenerateSignKeyPair()
	if err != nil {
		return nil, apperr.Crypto("failed to generate signing keypair", err)
	}
	kxKP, err := cryptokit.GenerateExchangeKeyPair()
	if err != nil {
		return nil, apperr.Crypto("failed to generate exchange keypair", err)
	}

	id := &Identity{
		AgentID: uuid.NewString(),
		Sign:    signKP,
		KX:      kxKP,
	}

	if err := s.writeSealed(path, id, passphrase); err != nil {
		return nil, err
	}
	return id, nil
}

// Rotate re-seals the identity file for name under a new passphrase,
// verifying the old passphrase first. The underlying keypairs are
// unchanged; only the sealing passphrase rotates.
func (s *Store) Rotate(name, oldPassphrase, newPassphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(name)
	id, err := s.load(path, oldPassphrase)
	if err != nil {
		return err
	}
	return s.writeSealed(path, id, newPassphrase)
}

func (s *Store) load(path, passphrase string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Storage("failed to read identity file", err)
	}

	var sf sealedFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, apperr.Fatal("identity file is corrupt", err)
	}

	salt, err := base64.StdEncoding.DecodeString(sf.KDF.Salt)
	if err != nil {
		return nil, apperr.Fatal("identity file kdf salt is corrupt", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(sf.AEAD.Nonce)
	if err != nil {
		return nil, apperr.Fatal("identity file aead nonce is corrupt", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sf.Ciphertext)
	if err != nil {
		return nil, apperr.Fatal("identity file ciphertext is corrupt", err)
	}

	derived, err := scrypt.Key([]byte(passphrase), salt, sf.KDF.N, sf.KDF.R, sf.KDF.P, scryptKeyLen)
	if err != nil {
		return nil, apperr.Fatal("scrypt derivation failed", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, apperr.Fatal("identity cipher init failed", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Fatal("identity gcm init failed", err)
	}

	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, apperr.Fatal("bad passphrase or corrupt identity file", err)
	}

	var pt plaintext
	if err := json.Unmarshal(plain, &pt); err != nil {
		return nil, apperr.Fatal("identity plaintext is corrupt", err)
	}

	signPriv, err := base64.StdEncoding.DecodeString(pt.SignPriv)
	if err != nil {
		return nil, apperr.Fatal("identity sign_priv is corrupt", err)
	}
	signPub, err := base64.StdEncoding.DecodeString(pt.SignPub)
	if err != nil {
		return nil, apperr.Fatal("identity sign_pub is corrupt", err)
	}
	kxPriv, err := base64.StdEncoding.DecodeString(pt.KXPriv)
	if err != nil {
		return nil, apperr.Fatal("identity kx_priv is corrupt", err)
	}

	kxKP, err := cryptokit.ExchangeKeyPairFromPrivateBytes(kxPriv)
	if err != nil {
		return nil, apperr.Fatal("identity kx_priv is invalid", err)
	}

	return &Identity{
		AgentID: pt.AgentID,
		Sign:    &cryptokit.SignKeyPair{Public: ed25519.PublicKey(signPub), Private: ed25519.PrivateKey(signPriv)},
		KX:      kxKP,
	}, nil
}

// writeSealed seals id under passphrase and writes it to path atomically
// via a temp file plus rename, so a crash mid-write never leaves a
// partially-written identity file behind.
func (s *Store) writeSealed(path string, id *Identity, passphrase string) error {
	pt := plaintext{
		AgentID:  id.AgentID,
		SignPriv: base64.StdEncoding.EncodeToString(id.Sign.Private),
		SignPub:  base64.StdEncoding.EncodeToString(id.Sign.Public),
		KXPriv:   base64.StdEncoding.EncodeToString(id.KX.PrivateBytes()),
		KXPub:    base64.StdEncoding.EncodeToString(id.KX.PublicBytes()),
	}
	plain, err := json.Marshal(pt)
	if err != nil {
		return apperr.Fatal("failed to marshal identity plaintext", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return apperr.Crypto("failed to generate salt", err)
	}
	derived, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return apperr.Crypto("scrypt derivation failed", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return apperr.Crypto("identity cipher init failed", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return apperr.Crypto("identity gcm init failed", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return apperr.Crypto("failed to generate nonce", err)
	}
	ciphertext := aead.Seal(nil, nonce, plain, nil)

	sf := sealedFile{
		Version: fileVersion,
		KDF: kdfParams{
			Name: "scrypt",
			N:    scryptN,
			R:    scryptR,
			P:    scryptP,
			Salt: base64.StdEncoding.EncodeToString(salt),
		},
		AEAD: aeadParams{
			Name:  "aes-gcm",
			Nonce: base64.StdEncoding.EncodeToString(nonce),
		},
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	out, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return apperr.Fatal("failed to marshal sealed identity", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".identity-*.tmp")
	if err != nil {
		return apperr.Storage("failed to create temp identity file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.Storage("failed to write temp identity file", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return apperr.Storage("failed to chmod temp identity file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return apperr.Storage("failed to close temp identity file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return apperr.Storage("failed to rename temp identity file into place", err)
	}
	return nil
}

// Exists reports whether an identity file exists for name.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.pathFor(name))
	return err == nil
}
