package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "churchops"

var errMissingSecret = errors.New("auth secret is not configured")

// TokenService signs and verifies HS256 bearer tokens with a shared
// secret.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// TokenOption customises a TokenService.
type TokenOption func(*TokenService)

// WithIssuer sets the iss claim written on issued tokens.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = issuer
		}
	}
}

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithTokenClock overrides the time source.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTokenService constructs a TokenService. The secret must be non-empty.
func NewTokenService(secret string, opts ...TokenOption) (*TokenService, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	s := &TokenService{
		secret: []byte(secret),
		issuer: defaultIssuer,
		ttl:    12 * time.Hour,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue signs a token for userID. Extra claims are copied in before the
// registered ones so they cannot override id, sub or expiry.
func (s *TokenService) Issue(userID int64, extra map[string]any) (string, time.Time, error) {
	if userID <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: user id must be positive", ErrInvalidInput)
	}
	now := s.now().UTC()
	expires := now.Add(s.ttl)
	claims := jwt.MapClaims{}
	for k, v := range extra {
		claims[k] = v
	}
	claims["id"] = userID
	claims["sub"] = strconv.FormatInt(userID, 10)
	claims["iss"] = s.issuer
	claims["iat"] = now.Unix()
	claims["exp"] = expires.Unix()
	claims["jti"] = uuid.NewString()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks signature and expiry and returns the claims together
// with the positive integer subject id.
func (s *TokenService) Verify(token string) (map[string]any, int64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, 0, ErrInvalidToken
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil || !parsed.Valid {
		return nil, 0, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, 0, ErrInvalidToken
	}
	id, ok := subjectID(claims)
	if !ok {
		return nil, 0, ErrInvalidToken
	}
	return map[string]any(claims), id, nil
}

// subjectID reads the numeric user id from the "id" claim, falling back
// to "sub".
func subjectID(claims jwt.MapClaims) (int64, bool) {
	for _, key := range []string{"id", "sub"} {
		v, present := claims[key]
		if !present {
			continue
		}
		return ParsePositiveID(v)
	}
	return 0, false
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
