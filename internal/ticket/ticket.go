// Package ticket issues and validates the one-shot join ticket described in spec.md §6:
// POST /rooms/{id}/start returns {ticket, resumption}; the WebSocket upgrade carries the
// ticket back over Sec-WebSocket-Protocol. Self-issued tickets are HMAC-signed with
// golang-jwt/jwt/v5 and consumed exactly once via storage.Storage.ConsumeNonce. A second,
// independent path validates externally issued tokens (e.g. from an identity provider)
// against a JWKS endpoint using lestrrat-go/jwx/v2, mirroring the teacher's
// internal/v1/auth.Validator.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/otcontroller/signaling/internal/ids"
	"github.com/otcontroller/signaling/internal/storage"
)

// ErrReplayed means the ticket's jti has already been consumed once.
var ErrReplayed = errors.New("ticket: already consumed")

// ErrInvalid wraps any parse/signature/claims failure.
var ErrInvalid = errors.New("ticket: invalid")

// Claims is the self-issued join ticket's payload.
type Claims struct {
	ParticipantId ids.ParticipantId   `json:"pid"`
	RoomId        ids.RoomId          `json:"rid"`
	DisplayName   string              `json:"display_name"`
	Kind          ids.ParticipantKind `json:"kind"`
	Role          ids.Role            `json:"role"`
	jwt.RegisteredClaims
}

// Issuer signs and later validates self-issued join tickets with a shared HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a fresh one-shot ticket for the given participant/room. The jti is a random
// uuid; the ticket is only usable up to one time, enforced at Validate time via
// storage.ConsumeNonce, not at issuance.
func (i *Issuer) Issue(participant ids.ParticipantId, room ids.RoomId, displayName string, kind ids.ParticipantKind, role ids.Role) (string, error) {
	now := time.Now()
	claims := Claims{
		ParticipantId: participant,
		RoomId:        room,
		DisplayName:   displayName,
		Kind:          kind,
		Role:          role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Validate parses and verifies a ticket string, then consumes its jti through store so a
// replayed ticket is rejected with ErrReplayed (spec.md §6, "Tickets are one-shot").
func (i *Issuer) Validate(ctx context.Context, store storage.Storage, raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalid, t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !token.Valid {
		return nil, ErrInvalid
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalid)
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		ttl = time.Second
	}
	firstUse, err := store.ConsumeNonce(ctx, "ticket", claims.ID, ttl)
	if err != nil {
		return nil, fmt.Errorf("ticket: consume nonce: %w", err)
	}
	if !firstUse {
		return nil, ErrReplayed
	}

	return claims, nil
}

// ExternalValidator validates tokens issued by an external identity provider against its
// JWKS endpoint, for deployments that front the controller with an IdP rather than
// self-issuing tickets. Grounded on the teacher's internal/v1/auth.Validator.
type ExternalValidator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewExternalValidator registers domain's JWKS endpoint in a background-refreshed cache and
// verifies connectivity with an initial fetch.
func NewExternalValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*ExternalValidator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("ticket: parse issuer url: %w", err)
	}
	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := append([]jwk.RegisterOption{jwk.WithRefreshInterval(time.Hour)}, regOpts...)
	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("ticket: register jwks url: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("ticket: initial jwks fetch: %w", err)
	}

	keyFunc := func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("ticket: kid header not found")
		}
		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("ticket: fetch jwks: %w", err)
		}
		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("ticket: key %s not found", kid)
		}
		var pub any
		if err := key.Raw(&pub); err != nil {
			return nil, fmt.Errorf("ticket: decode public key: %w", err)
		}
		return pub, nil
	}

	return &ExternalValidator{keyFunc: keyFunc, issuer: issuerURL.String(), audience: audience}, nil
}

// ExternalClaims is the subset of an externally issued token this controller cares about.
type ExternalClaims struct {
	Subject string `json:"sub"`
	Name    string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

func (v *ExternalValidator) Validate(raw string) (*ExternalClaims, error) {
	claims := &ExternalClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !token.Valid {
		return nil, ErrInvalid
	}
	return claims, nil
}
