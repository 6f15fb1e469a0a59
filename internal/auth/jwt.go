package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gestaozabele/bitacora/internal/roles"
)

// Audience é o público dos tokens emitidos pela API.
const Audience = "bitacora"

// ErrInvalidToken indica token malformado, expirado ou com assinatura errada.
var ErrInvalidToken = errors.New("token inválido")

// Claims carrega os claims sincronizados do perfil.
type Claims struct {
	Email      string     `json:"email,omitempty"`
	Role       roles.Role `json:"role"`
	Authorized bool       `json:"authorized"`
	jwt.RegisteredClaims
}

// JWTManager encapsula geração e validação de tokens.
type JWTManager struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

func NewJWTManager(secret string, accessTTL time.Duration) *JWTManager {
	return &JWTManager{secret: []byte(secret), accessTTL: accessTTL, now: time.Now}
}

// Identity é o que vai assinado no token.
type Identity struct {
	Subject    uuid.UUID
	Email      string
	Role       roles.Role
	Authorized bool
}

// GenerateAccessToken cria um JWT HS256 e devolve também a expiração.
func (m *JWTManager) GenerateAccessToken(id Identity) (string, time.Time, error) {
	now := m.now().UTC()
	exp := now.Add(m.accessTTL)

	claims := Claims{
		Email:      id.Email,
		Role:       id.Role,
		Authorized: id.Authorized,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject.String(),
			Audience:  jwt.ClaimStrings{Audience},
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseAndValidate verifica assinatura, expiração e público. O papel volta
// normalizado.
func (m *JWTManager) ParseAndValidate(tokenString string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithTimeFunc(m.now),
	)

	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, ErrInvalidToken
	}
	claims.Role = roles.Normalize(string(claims.Role))
	return claims, nil
}
