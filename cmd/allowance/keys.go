package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/allowance/pkg/signer"
)

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys",
	}

	var keyID string
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate an ed25519 signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyID == "" {
				return fmt.Errorf("--key-id is required")
			}
			id, err := signer.NewIdentity(keyID)
			if err != nil {
				return err
			}
			fmt.Printf("key_id:      %s\n", id.KeyID())
			fmt.Printf("private_key: %s\n", signer.EncodePrivateKey(id.PrivateKey()))
			fmt.Printf("public_key:  %s\n", signer.EncodePublicKey(id.PublicKey()))
			return nil
		},
	}
	generateCmd.Flags().StringVar(&keyID, "key-id", "", "identifier for the new key")

	cmd.AddCommand(generateCmd)
	return cmd
}
