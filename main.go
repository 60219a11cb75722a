// Command storelink is the real-time backend of the store admin console.
//
// Usage:
//
//	storelink serve -c storelink.yaml           # Start the server
//	storelink serve -c storelink.yaml --init-db # Create the schema first
//	storelink generate-keys                     # Print fresh secrets
//	storelink hash-secret <secret>              # Hash a store secret
//	storelink issue-token -c storelink.yaml     # Issue an admin token
//	storelink version                           # Show version info
package main

import (
	cryptorand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/scalecode-solutions/storelink/auth"
	"github.com/scalecode-solutions/storelink/config"
)

const currentVersion = "0.1.0"

// Set at build time via -ldflags "-X main.buildstamp=..."
var buildstamp = "dev"

var rootCmd = &cobra.Command{
	Use:   "storelink",
	Short: "Real-time link between stores and the admin console",
	Long: `storelink keeps a live WebSocket to every store, shows the connected
stores to admin dashboards over WebSocket or Server-Sent Events, and
pushes admin commands (update-app, update-client, notify) to stores.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("storelink v%s (build: %s)\n", currentVersion, buildstamp)
	},
}

var generateKeysCmd = &cobra.Command{
	Use:   "generate-keys",
	Short: "Generate secure keys for the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		tokenKey, err := generateSecureKey(32)
		if err != nil {
			return err
		}
		storeSecret, err := generateSecureKey(24)
		if err != nil {
			return err
		}
		hash, err := auth.HashSecret(storeSecret)
		if err != nil {
			return err
		}

		fmt.Println("# Generated secure keys for storelink configuration")
		fmt.Println("# Copy these values to your storelink.yaml or set as environment variables")
		fmt.Println("")
		fmt.Println("# Environment variables (recommended for production):")
		fmt.Printf("export TOKEN_KEY='%s'\n", tokenKey)
		fmt.Printf("export STORE_SECRET_HASH='%s'\n", hash)
		fmt.Println("")
		fmt.Println("# Shared secret to configure on every store client:")
		fmt.Printf("# %s\n", storeSecret)
		return nil
	},
}

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret <secret>",
	Short: "Hash a store secret for auth.store_secret_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashSecret(args[0])
		if err != nil {
			return fmt.Errorf("hash secret: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

var issueTokenCmd = &cobra.Command{
	Use:   "issue-token",
	Short: "Issue an admin token signed with auth.token_key",
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		subject, _ := cmd.Flags().GetString("subject")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.TokenKey == "" {
			return errors.New("auth.token_key is not set")
		}

		a := auth.New(auth.Config{
			TokenKey:    []byte(cfg.Auth.TokenKey),
			TokenExpiry: time.Duration(cfg.Auth.TokenExpireIn) * time.Second,
		})
		token, expiresAt, err := a.GenerateToken(subject, role, ttl)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd, generateKeysCmd, hashSecretCmd, issueTokenCmd)

	issueTokenCmd.Flags().StringP("config", "c", "storelink.yaml", "path to config file")
	issueTokenCmd.Flags().String("subject", "admin", "token subject")
	issueTokenCmd.Flags().String("role", "admin", "token role")
	issueTokenCmd.Flags().Duration("ttl", 0, "token lifetime (default auth.token_expire_in)")
}

// generateSecureKey generates a cryptographically secure random key.
func generateSecureKey(bytes int) (string, error) {
	key := make([]byte, bytes)
	if _, err := cryptorand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
