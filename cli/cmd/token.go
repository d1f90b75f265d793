package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/backbone/cli/pkg/output"
	"github.com/telhawk-systems/backbone/common/config"
	"github.com/telhawk-systems/backbone/common/tokens"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Signing key management",
}

// keyConfig is the tokens section written by 'keys generate'.
type keyConfig struct {
	Tokens struct {
		SigningKeys []signingKeyYAML `yaml:"signing_keys" json:"signing_keys"`
		TrustedKeys []trustedKeyYAML `yaml:"trusted_keys" json:"trusted_keys"`
	} `yaml:"tokens" json:"tokens"`
}

type signingKeyYAML struct {
	ID   string `yaml:"id" json:"id"`
	Seed string `yaml:"seed" json:"seed"`
}

type trustedKeyYAML struct {
	ID        string `yaml:"id" json:"id"`
	PublicKey string `yaml:"public_key" json:"public_key"`
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an Ed25519 signing key",
	Long: `Generate an Ed25519 signing key and print it as a tokens config section.

The signing_keys entry belongs only in the identity service's config; every
other process gets the trusted_keys entry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		key, err := tokens.GenerateKey(id)
		if err != nil {
			return err
		}

		var out keyConfig
		out.Tokens.SigningKeys = []signingKeyYAML{{ID: key.ID, Seed: tokens.EncodeSeed(key)}}
		out.Tokens.TrustedKeys = []trustedKeyYAML{{ID: key.ID, PublicKey: tokens.EncodePublic(key.Public())}}

		if outputFormat(cmd) == output.FormatJSON {
			return output.JSON(out)
		}
		return output.YAML(out)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue and verify identity tokens offline",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Sign a token with a local key",
	RunE: func(cmd *cobra.Command, args []string) error {
		seed, _ := cmd.Flags().GetString("seed")
		if seed == "" {
			seed = os.Getenv("BBCTL_SIGNING_SEED")
		}
		if seed == "" {
			return fmt.Errorf("--seed or BBCTL_SIGNING_SEED is required")
		}
		keyID, _ := cmd.Flags().GetString("key-id")
		if keyID == "" {
			return fmt.Errorf("--key-id is required")
		}
		issuerName, _ := cmd.Flags().GetString("issuer")
		subject, _ := cmd.Flags().GetString("subject")
		roles, _ := cmd.Flags().GetStringSlice("roles")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		key, _, err := tokens.LoadSigningKeys(config.TokensConfig{
			SigningKeys: []config.SigningKeyConfig{{ID: keyID, Seed: seed}},
		})
		if err != nil {
			return err
		}
		issuer := tokens.NewIssuer(key, 0, tokens.WithIssuerName(issuerName))
		token, err := issuer.Issue(subject, roles, ttl)
		if err != nil {
			return err
		}
		output.Plain("%s", token)
		return nil
	},
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify [token]",
	Short: "Verify a token against a public key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyID, _ := cmd.Flags().GetString("key-id")
		pub, _ := cmd.Flags().GetString("public-key")
		seed, _ := cmd.Flags().GetString("seed")
		issuerName, _ := cmd.Flags().GetString("issuer")
		if keyID == "" {
			return fmt.Errorf("--key-id is required")
		}

		tc := config.TokensConfig{}
		switch {
		case pub != "":
			tc.TrustedKeys = []config.TrustedKeyConfig{{ID: keyID, PublicKey: pub}}
		case seed != "":
			tc.SigningKeys = []config.SigningKeyConfig{{ID: keyID, Seed: seed}}
		default:
			return fmt.Errorf("--public-key or --seed is required")
		}
		keys, err := tokens.LoadKeySet(tc)
		if err != nil {
			return err
		}

		claims, err := tokens.NewVerifier(keys, tokens.WithIssuerName(issuerName)).Verify(strings.TrimSpace(args[0]))
		if err != nil {
			return fmt.Errorf("token rejected: %w", err)
		}

		if handled, err := output.Structured(outputFormat(cmd), claimsView{
			Subject: claims.Subject, Roles: claims.Roles, ID: claims.ID,
			IssuedAt: claims.IssuedAt, ExpiresAt: claims.ExpiresAt,
		}); handled {
			return err
		}
		output.Success("Token valid")
		output.Info("Subject: %s", claims.Subject)
		output.Info("Roles:   %s", strings.Join(claims.Roles, ", "))
		output.Info("ID:      %s", claims.ID)
		output.Info("Expires: %s (in %s)", claims.ExpiresAt.Format(time.RFC3339), time.Until(claims.ExpiresAt).Round(time.Second))
		return nil
	},
}

type claimsView struct {
	Subject   string    `json:"subject" yaml:"subject"`
	Roles     []string  `json:"roles" yaml:"roles"`
	ID        string    `json:"id" yaml:"id"`
	IssuedAt  time.Time `json:"issued_at" yaml:"issued_at"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)
	keysGenerateCmd.Flags().String("id", "", "key id (default: random)")

	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd)
	tokenCmd.AddCommand(tokenVerifyCmd)

	tokenCmd.PersistentFlags().String("key-id", "", "key id (kid header)")
	tokenCmd.PersistentFlags().String("issuer", "backbone-identity", "issuer name (iss claim)")
	tokenCmd.PersistentFlags().String("seed", "", "base64 Ed25519 seed")

	tokenIssueCmd.Flags().String("subject", "", "token subject")
	tokenIssueCmd.Flags().StringSlice("roles", []string{"customer"}, "roles to grant")
	tokenIssueCmd.Flags().Duration("ttl", tokens.DefaultTTL, "token lifetime")
	_ = tokenIssueCmd.MarkFlagRequired("subject")

	tokenVerifyCmd.Flags().String("public-key", "", "base64 Ed25519 public key")
}
