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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sage-x-project/relay-engine/identity"
)

var (
	identityDir   string
	identityName  string
	passphraseEnv string
	oldPassphrase string
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage an agent's sealed signing and exchange keypair",
}

var identityCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create (or open) a sealed identity file",
	Long: `Create seals a fresh Ed25519 signing keypair and X25519 exchange keypair
into an identity file under --dir, named for --name. If the file already
exists it is opened instead, under the same passphrase.`,
	Example: `  agentctl identity create --dir .relay/identity --name alice`,
	RunE:    runIdentityCreate,
}

var identityRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Re-seal an identity file under a new passphrase",
	Long: `Rotate verifies the old passphrase, then re-seals the same underlying
keypairs under a new passphrase. The agent_id and keys themselves do not
change; only the scrypt-derived sealing key rotates.`,
	Example: `  agentctl identity rotate --dir .relay/identity --name alice`,
	RunE:    runIdentityRotate,
}

func init() {
	rootCmd.AddCommand(identityCmd)
	identityCmd.AddCommand(identityCreateCmd)
	identityCmd.AddCommand(identityRotateCmd)

	identityCmd.PersistentFlags().StringVar(&identityDir, "dir", ".relay/identity", "Identity keystore directory")
	identityCmd.PersistentFlags().StringVar(&identityName, "name", "", "Agent name (required)")
	identityCmd.PersistentFlags().StringVar(&passphraseEnv, "passphrase-env", "IDENTITY_PASSPHRASE", "Environment variable holding the sealing passphrase")
	identityRotateCmd.Flags().StringVar(&oldPassphrase, "old-passphrase-env", "", "Environment variable holding the old passphrase (defaults to --passphrase-env)")

	identityCmd.MarkPersistentFlagRequired("name")
}

func runIdentityCreate(cmd *cobra.Command, args []string) error {
	if identityName == "" {
		return fmt.Errorf("--name is required")
	}
	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		return fmt.Errorf("%s is empty; set the sealing passphrase before creating an identity", passphraseEnv)
	}

	store, err := identity.NewStore(identityDir)
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}

	existed := store.Exists(identityName)
	id, err := store.LoadOrCreate(identityName, passphrase)
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}

	if existed {
		fmt.Println("Identity already existed, opened it:")
	} else {
		fmt.Println("Identity created:")
	}
	fmt.Printf("  Name:     %s\n", identityName)
	fmt.Printf("  Agent ID: %s\n", id.AgentID)
	fmt.Printf("  Sealed:   %s/id_agent_%s.json\n", identityDir, identityName)
	return nil
}

func runIdentityRotate(cmd *cobra.Command, args []string) error {
	if identityName == "" {
		return fmt.Errorf("--name is required")
	}
	oldEnv := oldPassphrase
	if oldEnv == "" {
		oldEnv = passphraseEnv
	}
	oldPass := os.Getenv(oldEnv)
	newPass := os.Getenv(passphraseEnv)
	if oldPass == "" || newPass == "" {
		return fmt.Errorf("both the old and new sealing passphrases must be set via environment variables")
	}

	store, err := identity.NewStore(identityDir)
	if err != nil {
		return fmt.Errorf("failed to open identity store: %w", err)
	}
	if err := store.Rotate(identityName, oldPass, newPass); err != nil {
		return fmt.Errorf("failed to rotate identity: %w", err)
	}

	fmt.Println("Identity re-sealed under new passphrase:")
	fmt.Printf("  Name: %s\n", identityName)
	fmt.Printf("  Sealed: %s/id_agent_%s.json\n", identityDir, identityName)
	return nil
}
