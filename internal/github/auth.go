package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
)

// AppTokenSource mints installation access tokens for a GitHub App. It is
// used as the default credential when no static bot token is configured.
// Tokens are cached by ghinstallation and refreshed shortly before expiry.
type AppTokenSource struct {
	transport      *ghinstallation.Transport
	installationID int64
	logger         *slog.Logger
}

// NewAppTokenSource loads the App private key and prepares the installation transport.
func NewAppTokenSource(appID, installationID int64, privateKeyPath, apiURL string, logger *slog.Logger) (*AppTokenSource, error) {
	tr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, appID, installationID, privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub App transport from %s: %w", privateKeyPath, err)
	}
	if apiURL != "" {
		tr.BaseURL = strings.TrimSuffix(apiURL, "/")
	}

	logger.Info("using GitHub App installation as default credential", "app_id", appID, "installation_id", installationID)
	return &AppTokenSource{transport: tr, installationID: installationID, logger: logger}, nil
}

// Token returns a valid installation token.
func (s *AppTokenSource) Token(ctx context.Context) (string, error) {
	token, err := s.transport.Token(ctx)
	if err != nil {
		s.logger.Error("failed to create installation token", "installation_id", s.installationID, "error", err)
		return "", fmt.Errorf("failed to create installation token for installation ID %d: %w", s.installationID, err)
	}
	return token, nil
}
