package app

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/nuetzliches/newsletterd/internal/config"
	"github.com/nuetzliches/newsletterd/internal/mailer"
	"github.com/nuetzliches/newsletterd/internal/queue"
)

// openStore opens the configured queue backend. The returned string names the
// backend for logs.
func openStore(cfg config.Config) (queue.Store, string, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return queue.NewMemoryStore(), config.BackendMemory, nil
	case config.BackendSQLite:
		dbPath := strings.TrimSpace(cfg.Store.Path)
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, "", fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		s, err := queue.NewSQLiteStore(dbPath, queue.WithSQLiteLeaseTTL(cfg.Workers.LeaseTTL))
		if err != nil {
			return nil, "", err
		}
		return s, config.BackendSQLite, nil
	case config.BackendPostgres:
		dsn := strings.TrimSpace(cfg.Store.DSN)
		if dsn == "" {
			return nil, "", errors.New("postgres backend requires store.dsn or NEWSLETTERD_POSTGRES_DSN")
		}
		var opts []queue.PostgresOption
		if cfg.Store.MaxConns > 0 {
			opts = append(opts, queue.WithPostgresMaxConns(cfg.Store.MaxConns))
		}
		s, err := queue.NewPostgresStore(dsn, opts...)
		if err != nil {
			return nil, "", err
		}
		return s, config.BackendPostgres, nil
	default:
		return nil, "", fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

// newSender builds the configured email transport. client is only used by
// the HTTP transport and may be nil.
func newSender(cfg config.EmailConfig, client *http.Client) (mailer.Sender, error) {
	switch cfg.Transport {
	case config.TransportSMTP:
		s, err := mailer.NewSMTPSender(mailer.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			TLS:      cfg.SMTP.TLS,
			Timeout:  cfg.SMTP.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.TransportHTTP:
		if cfg.HTTP.Timeout > 0 {
			if client == nil {
				client = &http.Client{}
			}
			client.Timeout = cfg.HTTP.Timeout
		}
		s, err := mailer.NewHTTPSender(client, mailer.HTTPConfig{
			Endpoint:      cfg.HTTP.Endpoint,
			Token:         cfg.HTTP.Token,
			SigningSecret: cfg.HTTP.SigningSecret,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported email transport %q", cfg.Transport)
	}
}
