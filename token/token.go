// Package token issues and verifies the short-lived download tokens that
// guard finished artifacts. Tokens are HS256 JWTs binding a task ID and an
// artifact name to an expiry.
package token

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrExpired  = stderrors.New("download token expired")
	ErrInvalid  = stderrors.New("download token invalid")
	ErrMismatch = stderrors.New("download token does not match the requested artifact")
)

type Claims struct {
	TaskID   string `json:"task_id"`
	Artifact string `json:"artifact"`
	jwt.RegisteredClaims
}

type Guard struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewGuard(secret string, ttl time.Duration) *Guard {
	return &Guard{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for one artifact of one task. Callers must only issue
// tokens for tasks that finished successfully.
func (g *Guard) Issue(taskID, artifact string) (string, error) {
	if taskID == "" || artifact == "" {
		return "", fmt.Errorf("task id and artifact are required")
	}
	now := g.now()
	claims := Claims{
		TaskID:   taskID,
		Artifact: artifact,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
}

// Verify checks signature and expiry and returns the bound task ID and
// artifact. Expired tokens return ErrExpired, everything else ErrInvalid.
func (g *Guard) Verify(tokenString string) (string, string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	}, jwt.WithTimeFunc(g.now))
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return "", "", ErrExpired
		}
		return "", "", ErrInvalid
	}
	if !parsed.Valid || claims.TaskID == "" || claims.Artifact == "" {
		return "", "", ErrInvalid
	}
	return claims.TaskID, claims.Artifact, nil
}
