package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/layer-3/siwe-auth/adapters/jwk"
	"github.com/spf13/cobra"
)

var (
	keygenOut   string
	keygenBits  int
	keygenForce bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an RS256 signing key file",
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := writeKeyFile(keygenOut, keygenBits, keygenForce)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote key %s to %s\n", kp.Kid, keygenOut)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "keys.json", "output file")
	keygenCmd.Flags().IntVar(&keygenBits, "bits", jwk.DefaultKeyBits, "RSA modulus size")
	keygenCmd.Flags().BoolVar(&keygenForce, "force", false, "overwrite an existing file")
	rootCmd.AddCommand(keygenCmd)
}

func writeKeyFile(path string, bits int, force bool) (jwk.KeyPair, error) {
	if bits < 2048 {
		return jwk.KeyPair{}, fmt.Errorf("key size %d is below 2048 bits", bits)
	}
	if _, err := os.Stat(path); err == nil && !force {
		return jwk.KeyPair{}, fmt.Errorf("%s already exists, use --force to overwrite", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return jwk.KeyPair{}, err
	}

	kp, err := jwk.GenerateKeyPair(bits)
	if err != nil {
		return jwk.KeyPair{}, err
	}

	data, err := json.MarshalIndent(kp, "", "  ")
	if err != nil {
		return jwk.KeyPair{}, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return jwk.KeyPair{}, fmt.Errorf("failed to write key file: %w", err)
	}
	return kp, nil
}
