package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the token signature scheme.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

// TokenTypeAccess is the only typ this codec ever mints or accepts.
const TokenTypeAccess = "access"

var (
	// ErrTokenExpired is a structurally valid token past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenMalformed covers decode failures, missing claims, and wrong typ.
	ErrTokenMalformed = errors.New("token malformed")
	// ErrSignatureMismatch is a well-formed token signed by an unknown key.
	ErrSignatureMismatch = errors.New("token signature mismatch")
)

// Config is fixed at construction; a Manager is immutable afterwards.
//
// Key rotation: KeyID stamps every minted token's kid header. VerifyKeys maps
// kid to verification key and should carry both the current and the previous
// key during a rollover grace period, so tokens minted before the rotation
// stay verifiable until they expire on their own.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	Secret        []byte // hs256
	PrivateKey    []byte // ed25519
	PublicKey     []byte // ed25519
	Issuer        string
	Leeway        time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

// AccessClaims is the self-describing payload of an access token. Subject
// carries the user id.
type AccessClaims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Manager is the stateless access-token codec: no storage, no side effects,
// safe for unlimited concurrent use.
type Manager struct {
	config Config
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("access TTL must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.Secret) < 32 {
			return nil, errors.New("hs256 requires a secret of at least 32 bytes")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid ed25519 private key")
		}
		if len(cfg.PublicKey) != ed25519.PublicKeySize && len(cfg.VerifyKeys) == 0 {
			return nil, errors.New("ed25519 requires a public key or verify key set")
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	for kid, key := range cfg.VerifyKeys {
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("verify key map contains empty kid")
		}
		if cfg.SigningMethod == MethodEd25519 && len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid ed25519 verify key for kid %q", kid)
		}
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	return &Manager{config: cfg}, nil
}

// Issue mints a signed access token for the subject. A non-positive ttl
// falls back to the configured AccessTTL.
func (m *Manager) Issue(userID, role string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("empty subject")
	}
	if ttl <= 0 {
		ttl = m.config.AccessTTL
	}

	now := time.Now()
	claims := AccessClaims{
		Role:      role,
		TokenType: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
		},
	}

	token := jwt.NewWithClaims(m.method(), claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}

	return token.SignedString(m.signKey())
}

// Verify checks signature, expiry, issuer, and typ, and returns the decoded
// claims. Failures classify into ErrTokenExpired, ErrSignatureMismatch, and
// ErrTokenMalformed.
func (m *Manager) Verify(tokenStr string) (*AccessClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method().Alg()}),
		jwt.WithExpirationRequired(),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &AccessClaims{}, m.verifyKeyFor)
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenMalformed
	}
	if claims.TokenType != TokenTypeAccess {
		return nil, ErrTokenMalformed
	}
	if claims.Subject == "" {
		return nil, ErrTokenMalformed
	}

	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrSignatureMismatch
	default:
		return ErrTokenMalformed
	}
}

func (m *Manager) method() jwt.SigningMethod {
	if m.config.SigningMethod == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (m *Manager) signKey() interface{} {
	if m.config.SigningMethod == MethodHS256 {
		return m.config.Secret
	}
	return ed25519.PrivateKey(m.config.PrivateKey)
}

func (m *Manager) verifyKeyFor(t *jwt.Token) (interface{}, error) {
	if len(m.config.VerifyKeys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := m.config.VerifyKeys[kid]
		if !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		if m.config.SigningMethod == MethodHS256 {
			return key, nil
		}
		return ed25519.PublicKey(key), nil
	}

	if m.config.SigningMethod == MethodHS256 {
		return m.config.Secret, nil
	}
	return ed25519.PublicKey(m.config.PublicKey), nil
}
