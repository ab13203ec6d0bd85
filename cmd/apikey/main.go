// Package main issues API keys for the screening API. The raw key is
// printed once; only its bcrypt hash is stored.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	mw "github.com/kiranshivaraju/screener/internal/api/middleware"
	"github.com/kiranshivaraju/screener/internal/config"
	"github.com/kiranshivaraju/screener/internal/store"
	"github.com/kiranshivaraju/screener/pkg/models"
)

const keyBytes = 24

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("apikey failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("apikey", flag.ContinueOnError)
	userID := fs.String("user", "", "user ID the key authenticates as")
	name := fs.String("name", "", "human-readable key name")
	scopes := fs.String("scopes", mw.ScopeJobs, "comma-separated scopes; without \""+mw.ScopeJobs+"\" the key is read-only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" || *name == "" {
		return errors.New("-user and -name are required")
	}

	dbCfg, err := config.LoadDatabase()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := store.Connect(ctx, *dbCfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	raw, key, err := newKey(*userID, *name, splitScopes(*scopes))
	if err != nil {
		return err
	}
	if err := store.NewPostgresStore(pool).CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}

	slog.Info("api key created", "id", key.ID, "user_id", key.UserID, "prefix", key.KeyPrefix)
	fmt.Fprintln(out, raw)
	return nil
}

// newKey generates a random key and the record that authenticates it.
func newKey(userID, name string, scopes []string) (string, *models.APIKey, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate key: %w", err)
	}
	raw := "sk_" + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash key: %w", err)
	}

	return raw, &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func splitScopes(s string) []string {
	scopes := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			scopes = append(scopes, part)
		}
	}
	return scopes
}
