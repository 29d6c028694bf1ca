package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/commhub/communication-server/pkg/crypto"
)

// NewGenKeyCommand creates the genkey command.
func NewGenKeyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a new database password encryption key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			return rootOpts.print(cmd.OutOrStdout(), map[string]string{"key": key}, key)
		},
	}
}

// NewEncryptCommand creates the encrypt command.
func NewEncryptCommand(rootOpts *RootOptions) *cobra.Command {
	var key, secret string

	cmd := &cobra.Command{
		Use:   "encrypt <password>",
		Short: "Encrypt a database password for a registration request",
		Long: `Encrypt a database password with the vault key. The key defaults to
DB_ENCRYPTION_KEY; without one the legacy SECRET_KEY derivation is used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv("DB_ENCRYPTION_KEY")
			}
			if secret == "" {
				secret = os.Getenv("SECRET_KEY")
			}
			vault, err := crypto.NewVault(crypto.VaultOptions{Key: key, LegacySecret: secret})
			if err != nil {
				return describe(err)
			}
			token, err := vault.Encrypt(args[0])
			if err != nil {
				return describe(err)
			}
			return rootOpts.print(cmd.OutOrStdout(), map[string]string{"db_password": token}, token)
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "encryption key (default $DB_ENCRYPTION_KEY)")
	cmd.Flags().StringVar(&secret, "secret", "", "legacy secret (default $SECRET_KEY)")

	return cmd
}

