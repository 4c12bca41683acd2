package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// TokenVerifier is the identity collaborator: it turns a handshake token into
// a verified user id or an error. The gateway never inspects credentials
// beyond this call.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (userID string, err error)
}

// Options control JWT verification. Only the HMAC family is accepted.
type Options struct {
	Secret []byte
	Alg    string // HS256/HS384/HS512, default HS256
	Leeway time.Duration
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256"}
}

// JWTVerifier validates HMAC-signed tokens carrying the user id in `sub`.
type JWTVerifier struct {
	opts Options
}

func NewJWTVerifier(opts Options) (*JWTVerifier, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("jwt secret missing")
	}
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, err
	}
	return &JWTVerifier{opts: opts}, nil
}

func (v *JWTVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	parserOpts := []jwtlib.ParserOption{jwtlib.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.opts.Leeway > 0 {
		parserOpts = append(parserOpts, jwtlib.WithLeeway(v.opts.Leeway))
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return v.opts.Secret, nil
	}, parserOpts...)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return "", errors.New("claims type mismatch")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// Sign issues a token for userID; used by local tooling and tests.
func Sign(opts Options, userID string, ttl time.Duration) (string, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	now := time.Now()
	claims := jwtlib.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}

// InsecureVerifier treats any non-empty token as the user id itself. It keeps
// local development usable when no JWT secret is configured and must never
// run in production.
type InsecureVerifier struct{}

func (InsecureVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

// StaticVerifier maps raw tokens to user ids; dev and test use only.
type StaticVerifier map[string]string

func (s StaticVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	if u, ok := s[token]; ok {
		return u, nil
	}
	return "", errors.New("unknown token")
}
