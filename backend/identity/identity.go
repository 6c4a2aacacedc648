// Package identity turns a client's bind request into a verified identity.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/adwski/huddle/backend/model"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingUserID    = errors.New("user id is required")
	ErrMissingToken     = errors.New("token is required")
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrIdentityMismatch = errors.New("token subject does not match user id")
)

// Verifier checks a bind request against the identity provider.
type Verifier interface {
	Verify(ctx context.Context, req model.BindIdentity) (model.Identity, error)
}

// Trusting accepts whatever user id the client claims. It is meant for
// deployments where the transport is already authenticated upstream.
type Trusting struct{}

func (Trusting) Verify(_ context.Context, req model.BindIdentity) (model.Identity, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return model.Identity{}, ErrMissingUserID
	}
	return model.Identity{UserID: req.UserID, Name: req.Name, Email: req.Email}, nil
}

// Claims are the claims of an access token issued by the identity provider.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWT verifies HS256 tokens whose subject is the user id.
type JWT struct {
	secret []byte
	issuer string
}

func NewJWT(secret, issuer string) *JWT {
	return &JWT{secret: []byte(secret), issuer: issuer}
}

func (v *JWT) Verify(_ context.Context, req model.BindIdentity) (model.Identity, error) {
	if req.UserID == "" {
		return model.Identity{}, ErrMissingUserID
	}
	if req.Token == "" {
		return model.Identity{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(req.Token, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.Identity{}, ErrExpiredToken
		}
		return model.Identity{}, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return model.Identity{}, ErrInvalidToken
	}
	if claims.Subject != req.UserID {
		return model.Identity{}, ErrIdentityMismatch
	}

	id := model.Identity{UserID: claims.Subject, Name: claims.Name, Email: claims.Email}
	if id.Name == "" {
		id.Name = req.Name
	}
	if id.Email == "" {
		id.Email = req.Email
	}
	return id, nil
}

// Issue signs a token for the user. Used by tooling and tests; production
// tokens come from the identity provider.
func (v *JWT) Issue(id model.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:  id.Name,
		Email: id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
