package auth

import (
	"context"
	"strings"
	"time"

	"github.com/go-pluto/cosync/crdt"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// Structs

// JWTVerifier accepts HMAC-SHA256 signed tokens issued by
// the token service. The subject claim names the user.
type JWTVerifier struct {
	key      []byte
	issuer   string
	audience string
	parser   *jwt.Parser
}

// Functions

// NewJWTVerifier prepares a verifier for tokens signed with
// secret. Issuer and audience are only checked if not empty.
func NewJWTVerifier(secret []byte, issuer string, audience string) (*JWTVerifier, error) {

	if len(secret) == 0 {
		return nil, errors.New("jwt verifier needs a non-empty secret")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(5 * time.Second),
	}

	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	return &JWTVerifier{
		key:      append([]byte(nil), secret...),
		issuer:   issuer,
		audience: audience,
		parser:   jwt.NewParser(opts...),
	}, nil
}

// Verify checks signature and claims of token.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (crdt.PeerID, error) {

	claims := &jwt.RegisteredClaims{}

	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}

	if !parsed.Valid {
		return "", ErrInvalidToken
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" || strings.Contains(subject, "#") {
		return "", errors.Wrap(ErrInvalidToken, "unusable subject claim")
	}

	return crdt.PeerID(subject), nil
}

// Sign mints a token for user valid for ttl from now. It
// is used by tooling and tests standing in for the token
// service.
func (v *JWTVerifier) Sign(user string, now time.Time, ttl time.Duration) (string, error) {

	claims := jwt.RegisteredClaims{
		Subject:   user,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}

	return signed, nil
}
