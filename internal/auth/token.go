// Package auth mints and verifies channel access tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mentorhub/meet/internal/domain"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrChannelMismatch = errors.New("token issued for another channel")
)

// Claims bind a token to one channel and display name.
type Claims struct {
	Channel string `json:"channel"`
	Name    string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	appID  string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret, appID string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), appID: appID, ttl: ttl, now: time.Now}
}

func (i *Issuer) AppID() string { return i.appID }

// Mint signs an HS256 access token for channel.
func (i *Issuer) Mint(channel domain.ChannelName, name string) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		Channel: string(channel),
		Name:    name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.appID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, expiry, issuer and channel.
func (i *Issuer) Verify(raw string, channel domain.ChannelName) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.appID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Channel != string(channel) {
		return nil, ErrChannelMismatch
	}
	return &claims, nil
}
