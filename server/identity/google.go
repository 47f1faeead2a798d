package identity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/san-kum/palm-detector/server/metrics"
	"github.com/san-kum/palm-detector/server/models"
	"go.uber.org/zap"
)

var googleIssuers = map[string]bool{
	"accounts.google.com":         true,
	"https://accounts.google.com": true,
}

const clockSkew = 30 * time.Second

type Verifier interface {
	Verify(ctx context.Context, token string) (*models.Principal, error)
}

// GoogleVerifier checks Google-issued ID tokens. Every call verifies the
// token signature and claims; only the provider's public keys are cached,
// and they are refreshed in the background.
type GoogleVerifier struct {
	clientID string
	keys     keyfunc.Keyfunc
	parser   *jwt.Parser
	cancel   context.CancelFunc
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewGoogleVerifier(clientID, jwksURL string, timeout, refreshInterval time.Duration, logger *zap.Logger, m *metrics.Metrics) (*GoogleVerifier, error) {
	ctx, cancel := context.WithCancel(context.Background())

	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:      &http.Client{Timeout: timeout},
		Ctx:         ctx,
		HTTPTimeout: timeout,
		// An unreachable provider at startup only fails verification until
		// the next refresh succeeds.
		NoErrorReturnFirstHTTPReq: true,
		RefreshErrorHandler: func(ctx context.Context, err error) {
			logger.Warn("Failed to refresh signing keys", zap.String("url", jwksURL), zap.Error(err))
		},
		RefreshInterval: refreshInterval,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create signing key storage: %w", err)
	}

	keys, err := keyfunc.New(keyfunc.Options{
		Ctx:          ctx,
		Storage:      storage,
		UseWhitelist: []jwkset.USE{jwkset.UseSig},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create key func: %w", err)
	}

	return &GoogleVerifier{
		clientID: clientID,
		keys:     keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithAudience(clientID),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(clockSkew),
		),
		cancel:  cancel,
		logger:  logger,
		metrics: m,
	}, nil
}

func (v *GoogleVerifier) Verify(ctx context.Context, token string) (*models.Principal, error) {
	if token == "" {
		v.metrics.ObserveVerification("missing")
		return nil, models.ErrMissingCredential
	}

	principal, err := v.verify(ctx, token)
	if err != nil {
		// The cause stays in the server log; callers only learn the token is bad.
		v.logger.Debug("Token verification failed", zap.Error(err))
		v.metrics.ObserveVerification("invalid")
		return nil, models.ErrInvalidCredential
	}

	v.metrics.ObserveVerification("valid")
	return principal, nil
}

// Close stops the background key refresh.
func (v *GoogleVerifier) Close() {
	v.cancel()
}

func (v *GoogleVerifier) verify(ctx context.Context, token string) (*models.Principal, error) {
	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, v.keys.KeyfuncCtx(ctx)); err != nil {
		return nil, err
	}

	issuer, err := claims.GetIssuer()
	if err != nil || !googleIssuers[issuer] {
		return nil, fmt.Errorf("unexpected issuer %q", issuer)
	}

	email, _ := claims["email"].(string)
	if email == "" {
		return nil, fmt.Errorf("token has no email claim")
	}

	return &models.Principal{
		Email:  email,
		Claims: claims,
	}, nil
}
