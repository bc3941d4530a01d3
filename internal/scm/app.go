package scm

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

// ErrNoInstallation means the app is not installed for a repository owner.
var ErrNoInstallation = errors.New("GitHub App not installed")

// Installation tokens are refreshed once they are this close to expiry.
const tokenGracePeriod = 2 * time.Minute

// AppConfig identifies a GitHub App.
type AppConfig struct {
	AppID int64
	// PrivateKey is the PEM encoded RSA key of the app.
	PrivateKey []byte
	// InstallationID pins every repository to one installation. Zero looks
	// the installation up per repository owner.
	InstallationID int64
	BaseURL        string
	UploadURL      string
	// Now is overridable for tests.
	Now func() time.Time
}

// AppCredentials authenticates as a GitHub App: a JWT signed with the app
// key is exchanged for an installation token, cached until shortly before
// it expires.
type AppCredentials struct {
	appID  int64
	key    *rsa.PrivateKey
	pinned int64
	apps   *github.Client
	now    func() time.Time
	logger *logging.Logger
	fetch  singleflight.Group

	mu            sync.Mutex
	installations map[string]int64
	tokens        map[int64]*oauth2.Token
}

var _ Credentials = (*AppCredentials)(nil)

// NewAppCredentials parses the app key and prepares the app-level client.
func NewAppCredentials(cfg AppConfig, logger *logging.Logger) (*AppCredentials, error) {
	if cfg.AppID == 0 {
		return nil, errors.New("github app id is required")
	}
	key, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	a := &AppCredentials{
		appID:         cfg.AppID,
		key:           key,
		pinned:        cfg.InstallationID,
		now:           cfg.Now,
		logger:        logger.Named("github-app"),
		installations: make(map[string]int64),
		tokens:        make(map[int64]*oauth2.Token),
	}
	apps := github.NewClient(&http.Client{
		Timeout:   10 * time.Second,
		Transport: &jwtTransport{app: a, base: http.DefaultTransport},
	})
	if cfg.BaseURL != "" {
		upload := cfg.UploadURL
		if upload == "" {
			upload = cfg.BaseURL
		}
		if apps, err = apps.WithEnterpriseURLs(cfg.BaseURL, upload); err != nil {
			return nil, fmt.Errorf("github app enterprise urls: %w", err)
		}
	}
	a.apps = apps
	return a, nil
}

// Remember records the installation a webhook delivery came from, sparing
// the lookup for that owner.
func (a *AppCredentials) Remember(repository string, installationID int64) {
	owner, _, _ := strings.Cut(repository, "/")
	if owner == "" || installationID == 0 {
		return
	}
	a.mu.Lock()
	a.installations[owner] = installationID
	a.mu.Unlock()
}

// Token returns an installation token for repository.
func (a *AppCredentials) Token(ctx context.Context, repository string) (string, error) {
	id, err := a.installation(ctx, repository)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	tok := a.tokens[id]
	a.mu.Unlock()
	if tok != nil && tok.Expiry.Sub(a.now()) > tokenGracePeriod {
		return tok.AccessToken, nil
	}

	v, err, _ := a.fetch.Do(strconv.FormatInt(id, 10), func() (any, error) {
		it, _, err := a.apps.Apps.CreateInstallationToken(ctx, id, nil)
		if err != nil {
			return nil, fmt.Errorf("creating installation token for %d: %w", id, err)
		}
		if it.GetToken() == "" {
			return nil, fmt.Errorf("installation token response for %d has no token", id)
		}
		expiry := it.GetExpiresAt().Time
		if expiry.IsZero() {
			expiry = a.now().Add(time.Hour)
		}
		t := &oauth2.Token{AccessToken: it.GetToken(), TokenType: "Bearer", Expiry: expiry}
		a.mu.Lock()
		a.tokens[id] = t
		a.mu.Unlock()
		a.logger.Debug(ctx, "installation token refreshed",
			zap.Int64("installation_id", id),
			zap.Time("expires_at", expiry),
		)
		return t, nil
	})
	if err != nil {
		return "", err
	}
	return v.(*oauth2.Token).AccessToken, nil
}

// installation resolves the installation of repository's owner, trying the
// organization endpoint before the user one.
func (a *AppCredentials) installation(ctx context.Context, repository string) (int64, error) {
	if a.pinned != 0 {
		return a.pinned, nil
	}
	owner, _, _ := strings.Cut(repository, "/")
	if owner == "" {
		return 0, fmt.Errorf("%w: no repository in request", ErrNoInstallation)
	}

	a.mu.Lock()
	id, ok := a.installations[owner]
	a.mu.Unlock()
	if ok {
		return id, nil
	}

	inst, _, err := a.apps.Apps.FindOrganizationInstallation(ctx, owner)
	if isNotFound(err) {
		inst, _, err = a.apps.Apps.FindUserInstallation(ctx, owner)
		if isNotFound(err) {
			return 0, fmt.Errorf("%w for %s", ErrNoInstallation, owner)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("finding installation for %s: %w", owner, err)
	}
	a.Remember(repository, inst.GetID())
	a.logger.Info(ctx, "resolved app installation", zap.String("owner", owner), zap.Int64("installation_id", inst.GetID()))
	return inst.GetID(), nil
}

func isNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound
}

// jwtTransport authenticates app-level requests with a fresh JWT.
type jwtTransport struct {
	app  *AppCredentials
	base http.RoundTripper
}

func (t *jwtTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	jwt, err := t.app.signJWT()
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+jwt)
	return t.base.RoundTrip(r)
}

// signJWT returns an RS256 app JWT. GitHub caps its lifetime at ten minutes
// and iat is backdated for clock drift.
func (a *AppCredentials) signJWT() (string, error) {
	now := a.now().UTC()
	header, err := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT"})
	if err != nil {
		return "", err
	}
	claims, err := json.Marshal(map[string]any{
		"iss": strconv.FormatInt(a.appID, 10),
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
	})
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(header) + "." + enc.EncodeToString(claims)
	sum := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, a.key, crypto.SHA256, sum[:])
	if err != nil {
		return "", fmt.Errorf("signing app jwt: %w", err)
	}
	return signingInput + "." + enc.EncodeToString(sig), nil
}

func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	if len(pemBytes) == 0 {
		return nil, errors.New("github app private key required")
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode github app private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing github app private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("github app private key is not RSA")
	}
	return key, nil
}
