package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/1Password/connect-sdk-go/connect"
)

// Credentials is the resolved {user, password} pair consumed by the
// HTTP bulk adaptor.
type Credentials struct {
	User     string
	Password string
}

// CredentialSource resolves indexer credentials from a backend.
type CredentialSource interface {
	Resolve(ctx context.Context) (Credentials, error)
}

// EnvCredentialSource reads credentials directly from IndexerConfig
// (i.e. config file / environment, already plaintext). This is the
// "local" backend.
type EnvCredentialSource struct {
	User     string
	Password string
}

func (s EnvCredentialSource) Resolve(ctx context.Context) (Credentials, error) {
	return Credentials{User: s.User, Password: s.Password}, nil
}

// OnePasswordCredentialSource fetches indexer credentials from a
// 1Password Connect vault item, configured via OP_CONNECT_HOST and
// OP_CONNECT_TOKEN.
type OnePasswordCredentialSource struct {
	client    connect.Client
	vaultID   string
	itemTitle string
	logger    *slog.Logger
}

// NewOnePasswordCredentialSource creates a credential source backed by
// 1Password Connect. itemTitle names the vault item holding the
// indexer's username/password fields.
func NewOnePasswordCredentialSource(host, token, vaultID, itemTitle string, logger *slog.Logger) (*OnePasswordCredentialSource, error) {
	if host == "" || token == "" || vaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := connect.NewClientWithUserAgent(host, token, "events-relay")
	return &OnePasswordCredentialSource{
		client:    client,
		vaultID:   vaultID,
		itemTitle: itemTitle,
		logger:    logger.With("component", "indexer_secrets_1password"),
	}, nil
}

func (s *OnePasswordCredentialSource) Resolve(ctx context.Context) (Credentials, error) {
	items, err := s.client.GetItemsByTitle(s.itemTitle, s.vaultID)
	if err != nil {
		return Credentials{}, fmt.Errorf("looking up indexer credential item %q: %w", s.itemTitle, err)
	}
	if len(items) == 0 {
		return Credentials{}, fmt.Errorf("indexer credential item %q not found in vault %s", s.itemTitle, s.vaultID)
	}

	item, err := s.client.GetItem(items[0].ID, s.vaultID)
	if err != nil {
		return Credentials{}, fmt.Errorf("fetching indexer credential item: %w", err)
	}

	var creds Credentials
	for _, field := range item.Fields {
		switch field.Label {
		case "username":
			creds.User = field.Value
		case "password":
			creds.Password = field.Value
		}
	}
	if creds.User == "" {
		s.logger.Warn("1password item missing username field", "item", s.itemTitle)
	}
	return creds, nil
}

// ResolveCredentials picks a CredentialSource the way
// secrets.NewKeyStore picks a KeyStore backend: "1password" forces
// 1Password, "local" forces plaintext config, "auto" (default) tries
// 1Password when OP_CONNECT_TOKEN is set and falls back to plaintext
// config otherwise.
func ResolveCredentials(ctx context.Context, backend string, cfg Config, vaultID, itemTitle string, logger *slog.Logger) (Credentials, error) {
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		src, err := NewOnePasswordCredentialSource(os.Getenv("OP_CONNECT_HOST"), os.Getenv("OP_CONNECT_TOKEN"), vaultID, itemTitle, logger)
		if err != nil {
			return Credentials{}, err
		}
		return src.Resolve(ctx)

	case "local":
		return EnvCredentialSource{User: cfg.User, Password: cfg.Password}.Resolve(ctx)

	case "auto":
		if token := os.Getenv("OP_CONNECT_TOKEN"); token != "" {
			src, err := NewOnePasswordCredentialSource(os.Getenv("OP_CONNECT_HOST"), token, vaultID, itemTitle, logger)
			if err != nil {
				logger.Warn("1password backend unavailable, falling back to plaintext config", "error", err)
				return EnvCredentialSource{User: cfg.User, Password: cfg.Password}.Resolve(ctx)
			}
			creds, err := src.Resolve(ctx)
			if err != nil {
				logger.Warn("1password lookup failed, falling back to plaintext config", "error", err)
				return EnvCredentialSource{User: cfg.User, Password: cfg.Password}.Resolve(ctx)
			}
			return creds, nil
		}
		return EnvCredentialSource{User: cfg.User, Password: cfg.Password}.Resolve(ctx)

	default:
		return Credentials{}, fmt.Errorf("unknown indexer secrets backend %q", backend)
	}
}
