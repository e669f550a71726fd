package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/auth"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/config"
)

var (
	tokenDisplayName string
	tokenRole        string
	tokenTTL         time.Duration
	tokenJWTSecret   string
)

var tokenCmd = &cobra.Command{
	Use:   "token PRINCIPAL_ID",
	Short: "Mint a dev/test bearer token (never used on the production request path)",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	cfg := config.Default()
	tokenCmd.Flags().StringVar(&tokenDisplayName, "display-name", "", "display name to embed in the token (defaults to the principal ID)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(auth.RoleUser), "role to embed (ADMIN, EDITOR, VIEWER, USER)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token validity duration")
	tokenCmd.Flags().StringVar(&tokenJWTSecret, "jwt-secret", cfg.JWTSecret, "HMAC secret to sign with; must match the server's")
}

func runToken(cmd *cobra.Command, args []string) error {
	principalID := args[0]
	displayName := tokenDisplayName
	if displayName == "" {
		displayName = principalID
	}

	iss := auth.NewIssuer(tokenJWTSecret, tokenTTL)
	token, err := iss.Issue(auth.Principal{
		ID:          principalID,
		DisplayName: displayName,
		Role:        auth.Role(tokenRole),
	})
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Println(token)
	return nil
}
