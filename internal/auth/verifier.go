// Package auth verifies bearer tokens presented at the WebSocket handshake
// and on API requests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chatserver/internal/model"
	"github.com/chatserver/internal/repository"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrUnknownUser  = errors.New("auth: unknown user")
	ErrUserDisabled = errors.New("auth: user disabled")
)

// UserStore подтверждает, что subject токена — живой пользователь.
type UserStore interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

// Verifier checks HS256 bearer tokens. The subject claim is the user id;
// a valid signature alone is not enough — the user must exist and not be
// disabled.
type Verifier struct {
	secret []byte
	users  UserStore
}

func NewVerifier(secret string, users UserStore) *Verifier {
	return &Verifier{secret: []byte(secret), users: users}
}

func (v *Verifier) Verify(ctx context.Context, tokenString string) (*model.User, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrInvalidToken
	}

	user, err := v.users.GetByID(ctx, sub)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("auth.Verify: %w", err)
	}
	if user.DisabledAt != nil {
		return nil, ErrUserDisabled
	}
	return user, nil
}

// Issue выпускает токен (используется утилитами и тестами; основной выпуск —
// на стороне сервиса авторизации).
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth.Issue: %w", err)
	}
	return signed, nil
}
