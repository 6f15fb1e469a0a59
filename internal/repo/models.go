package repo

import (
	"time"

	"github.com/google/uuid"
)

// Usuario é a credencial local de quem acessa a bitácora.
type Usuario struct {
	ID        uuid.UUID
	Nome      string
	Email     string
	SenhaHash string
	Ativo     bool
	CriadoEm  time.Time
}

// Passkey é uma credencial WebAuthn registrada.
type Passkey struct {
	ID           uuid.UUID
	UsuarioID    uuid.UUID
	CredentialID []byte
	PublicKey    []byte
	SignCount    uint32
	Transports   []string
	AAGUID       []byte
	Nickname     *string
	Cloned       bool
	CreatedAt    time.Time
	UpdatedAt    *time.Time
}

// NewPasskey são os dados de uma credencial recém-registrada.
type NewPasskey struct {
	UsuarioID    uuid.UUID
	CredentialID []byte
	PublicKey    []byte
	SignCount    uint32
	Transports   []string
	AAGUID       []byte
	Nickname     *string
}
