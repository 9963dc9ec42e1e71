package token

import (
	"strconv"
	"time"

	"github.com/buildify/otpflow/pkg/models"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by a session token.
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// JWT mints HS256 session tokens for verified accounts.
type JWT struct {
	secret []byte
	expiry time.Duration
	issuer string
}

// New returns a JWT minter.
func New(secret string, expiry time.Duration, issuer string) *JWT {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &JWT{
		secret: []byte(secret),
		expiry: expiry,
		issuer: issuer,
	}
}

// Create signs a session token for the user.
func (j *JWT) Create(u models.User) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: u.Email,
		Role:  u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID, 10),
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// Parse validates a session token and returns its claims.
func (j *JWT) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}
