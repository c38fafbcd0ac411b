// Package token signs the show tokens that correlate host callbacks
// (dismiss, click, finish) with the load and show they belong to.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/patrickwarner/openmediation/internal/models"
)

var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("token expired")
)

// Claims are the facts bound into a show token.
type Claims struct {
	RequestID string
	AdID      string
	AdType    models.AdType
	Network   string
	UserID    string
	Placement string
	Price     float64
	IssuedAt  time.Time
}

type payload struct {
	ReqID     string  `json:"r"`
	AdID      string  `json:"a"`
	AdType    uint32  `json:"t"`
	Network   string  `json:"n"`
	UserID    string  `json:"u,omitempty"`
	Placement string  `json:"pl,omitempty"`
	Price     float64 `json:"p"`
	TS        int64   `json:"ts"` // unix millis
}

// Generate signs c. A zero IssuedAt is set to now.
func Generate(c Claims, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("empty token secret")
	}
	if !c.AdType.Single() {
		return "", models.ErrInvalidAdType
	}
	if c.IssuedAt.IsZero() {
		c.IssuedAt = time.Now()
	}
	data, err := json.Marshal(payload{
		ReqID:     c.RequestID,
		AdID:      c.AdID,
		AdType:    uint32(c.AdType),
		Network:   c.Network,
		UserID:    c.UserID,
		Placement: c.Placement,
		Price:     c.Price,
		TS:        c.IssuedAt.UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(sign(data, secret)), nil
}

// ForAd builds the claims for a presented ad.
func ForAd(ad *models.Ad, userID, placement string) Claims {
	return Claims{
		RequestID: ad.RequestID,
		AdID:      ad.ID,
		AdType:    ad.AdType,
		Network:   ad.Network,
		UserID:    userID,
		Placement: placement,
		Price:     ad.Price,
	}
}

func sign(data, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify checks integrity and, when ttl > 0, age.
func Verify(tok string, secret []byte, ttl time.Duration) (Claims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 2 {
		return Claims{}, ErrInvalid
	}
	enc := base64.RawURLEncoding
	data, err := enc.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrInvalid
	}
	sig, err := enc.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalid
	}
	if !hmac.Equal(sign(data, secret), sig) {
		return Claims{}, ErrInvalid
	}

	var pl payload
	if err := json.Unmarshal(data, &pl); err != nil {
		return Claims{}, ErrInvalid
	}
	t := models.AdType(pl.AdType)
	if !t.Single() {
		return Claims{}, ErrInvalid
	}
	issued := time.UnixMilli(pl.TS)
	if ttl > 0 && time.Since(issued) > ttl {
		return Claims{}, ErrExpired
	}
	return Claims{
		RequestID: pl.ReqID,
		AdID:      pl.AdID,
		AdType:    t,
		Network:   pl.Network,
		UserID:    pl.UserID,
		Placement: pl.Placement,
		Price:     pl.Price,
		IssuedAt:  issued,
	}, nil
}
