package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/config"
)

const pingTimeout = 10 * time.Second

// Open connects to the report database. Local file and in-memory URLs use the
// embedded sqlite driver; remote libsql/http URLs go through libsql.
func Open(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	driver, dsn, err := buildDSN(cfg.DatabaseURL, cfg.DatabaseAuthToken)
	if err != nil {
		return nil, err
	}

	database, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if driver == "sqlite" {
		// A single connection keeps :memory: databases shared and serializes
		// writers on local files.
		database.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return database, nil
}

func buildDSN(rawURL, authToken string) (driver, dsn string, err error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", "", fmt.Errorf("empty database url")
	}

	if rawURL == ":memory:" || strings.HasPrefix(rawURL, "file:") {
		return "sqlite", rawURL, nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse database url: %w", err)
	}

	switch parsed.Scheme {
	case "libsql", "http", "https", "ws", "wss":
	default:
		return "", "", fmt.Errorf("unsupported database url scheme %q", parsed.Scheme)
	}

	if token := strings.TrimSpace(authToken); token != "" {
		query := parsed.Query()
		if query.Get("authToken") == "" {
			query.Set("authToken", token)
			parsed.RawQuery = query.Encode()
		}
	}

	return "libsql", parsed.String(), nil
}
