package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/example/ambulance-dispatch/internal/models"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Verifier validates HMAC-signed tokens carrying user_id and role claims.
// Without a secret it runs in development mode and takes the identity from
// the user and role query parameters.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier { return &Verifier{secret: []byte(secret)} }

func (v *Verifier) Insecure() bool { return len(v.secret) == 0 }

func (v *Verifier) Verify(tokenString string) (models.Identity, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return models.Identity{}, ErrMissingToken
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return models.Identity{}, ErrInvalidToken
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return models.Identity{}, fmt.Errorf("%w: user_id is required", ErrInvalidToken)
	}
	role, _ := claims["role"].(string)
	id := models.Identity{ID: userID, Role: models.Role(strings.ToLower(role))}
	if !id.Role.Valid() {
		return models.Identity{}, fmt.Errorf("%w: role %q", ErrInvalidToken, role)
	}
	return id, nil
}

// FromRequest reads the token from the Authorization header or, for
// browser websockets, the token query parameter.
func (v *Verifier) FromRequest(r *http.Request) (models.Identity, error) {
	if v.Insecure() {
		id := models.Identity{ID: r.URL.Query().Get("user"), Role: models.Role(r.URL.Query().Get("role"))}
		if id.ID == "" || !id.Role.Valid() {
			return models.Identity{}, fmt.Errorf("%w: user and role are required", ErrMissingToken)
		}
		return id, nil
	}
	token := r.Header.Get("Authorization")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return v.Verify(token)
}

// Sign issues a token for id valid for ttl.
func Sign(secret string, id models.Identity, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"user_id": id.ID,
		"role":    string(id.Role),
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
