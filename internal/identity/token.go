package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer       = "kiwifruit-accounts"
	defaultAudience     = "kiwifruit-api"
	defaultLeeway       = 30 * time.Second
	defaultJWKSCacheTTL = 5 * time.Minute
)

var errUnknownKey = errors.New("unknown token key")

// TokenConfig configures access-token verification. Exactly one of Secret
// (HS256) or JWKSURL (RS256) must be set.
type TokenConfig struct {
	Secret     string
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// TokenResolver validates signed access tokens; the subject is the owner ID.
type TokenResolver struct {
	issuer   string
	audience string
	leeway   time.Duration
	secret   []byte

	jwksURL    string
	httpClient *http.Client
	mu         sync.RWMutex
	rsaKeys    map[string]any
	keysExpire time.Time
}

// NewTokenResolver creates a token resolver. In JWKS mode the key set is
// fetched once up front.
func NewTokenResolver(cfg TokenConfig) (*TokenResolver, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	v := &TokenResolver{
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
	}

	secret := strings.TrimSpace(cfg.Secret)
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	switch {
	case secret != "" && jwksURL != "":
		return nil, errors.New("token resolver accepts a secret or a jwksURL, not both")
	case secret != "":
		if len(secret) < 32 {
			return nil, errors.New("token secret must be at least 32 bytes")
		}
		v.secret = []byte(secret)
		return v, nil
	case jwksURL != "":
		v.jwksURL = jwksURL
		if cfg.HTTPClient != nil {
			v.httpClient = cfg.HTTPClient
		} else {
			v.httpClient = &http.Client{Timeout: 5 * time.Second}
		}
		if err := v.refreshJWKS(context.Background()); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, errors.New("token resolver requires a secret or a jwksURL")
	}
}

// Resolve returns ok=false for tokens that fail verification. Only a JWKS
// fetch failure is reported as an error.
func (v *TokenResolver) Resolve(ctx context.Context, token string) (string, bool, error) {
	if strings.Count(token, ".") != 2 {
		// not a JWT; let other resolvers in a chain try it
		return "", false, nil
	}
	claims, err := v.verify(ctx, token)
	if err != nil {
		var fetchErr *jwksFetchError
		if errors.As(err, &fetchErr) {
			return "", false, err
		}
		return "", false, nil
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", false, nil
	}
	return subject, true, nil
}

func (v *TokenResolver) verify(ctx context.Context, token string) (jwt.RegisteredClaims, error) {
	if v.secret != nil {
		return v.parse(token, jwt.SigningMethodHS256.Alg(), func(*jwt.Token) (any, error) {
			return v.secret, nil
		})
	}
	claims, err := v.parseJWKS(token)
	if err == nil {
		return claims, nil
	}
	if !errors.Is(err, errUnknownKey) && !v.keysExpired() {
		return claims, err
	}
	if refreshErr := v.refreshJWKS(ctx); refreshErr != nil {
		return claims, refreshErr
	}
	return v.parseJWKS(token)
}

func (v *TokenResolver) parseJWKS(token string) (jwt.RegisteredClaims, error) {
	keys := v.copyKeys()
	return v.parse(token, jwt.SigningMethodRS256.Alg(), func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errUnknownKey
		}
		key, ok := keys[kid]
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	})
}

func (v *TokenResolver) parse(token, alg string, keyFunc jwt.Keyfunc) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, keyFunc,
		jwt.WithValidMethods([]string{alg}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return claims, err
	}
	return claims, nil
}

func (v *TokenResolver) keysExpired() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Now().UTC().After(v.keysExpire)
}

func (v *TokenResolver) copyKeys() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.rsaKeys))
	for kid, key := range v.rsaKeys {
		out[kid] = key
	}
	return out
}

type jwksFetchError struct{ err error }

func (e *jwksFetchError) Error() string { return "fetch jwks: " + e.err.Error() }
func (e *jwksFetchError) Unwrap() error { return e.err }

func (v *TokenResolver) refreshJWKS(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return &jwksFetchError{err}
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return &jwksFetchError{err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &jwksFetchError{fmt.Errorf("status %d", resp.StatusCode)}
	}

	var payload struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return &jwksFetchError{err}
	}

	keys := make(map[string]any, len(payload.Keys))
	for _, k := range payload.Keys {
		if strings.ToUpper(strings.TrimSpace(k.Kty)) != "RSA" {
			continue
		}
		kid := strings.TrimSpace(k.Kid)
		if kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[kid] = pub
	}
	if len(keys) == 0 {
		return &jwksFetchError{errors.New("no usable rsa keys")}
	}

	ttl := parseCacheMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}

	v.mu.Lock()
	v.rsaKeys = keys
	v.keysExpire = time.Now().UTC().Add(ttl)
	v.mu.Unlock()
	return nil
}

func parseRSAPublicKey(nRaw, eRaw string) (any, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	eBig := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !eBig.IsInt64() {
		return nil, errors.New("invalid rsa key")
	}
	e := int(eBig.Int64())
	if e <= 0 {
		return nil, errors.New("invalid rsa exponent")
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}

func parseCacheMaxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if !strings.HasPrefix(part, "max-age=") {
			continue
		}
		secs, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(part, "max-age=")) + "s")
		if err != nil {
			return 0
		}
		return secs
	}
	return 0
}
