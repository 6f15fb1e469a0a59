package envelope

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// CurrentVersion é a única versão de chave ativa.
	CurrentVersion = 1

	ivSize       = 12
	maxPlaintext = 256 << 10
)

// ErrCrypto indica qualquer falha de cifragem ou decifragem. O envelope nunca
// devolve dados parciais quando este erro ocorre.
var ErrCrypto = errors.New("envelope: falha criptográfica")

// Envelope é o formato persistido de um payload cifrado.
type Envelope struct {
	Version    int    `json:"version"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// IsZero informa se o envelope está vazio (nenhum campo preenchido).
func (e Envelope) IsZero() bool {
	return e.Version == 0 && e.IV == "" && e.Ciphertext == ""
}

// Backend fornece a primitiva AEAD de uma versão de chave.
type Backend interface {
	AEAD(ctx context.Context, version int) (cipher.AEAD, error)
}

// Codec cifra e decifra valores JSON em envelopes AES-256-GCM.
type Codec struct {
	backend Backend
	random  io.Reader
}

// New cria um codec sobre o backend informado.
func New(backend Backend) *Codec {
	return &Codec{backend: backend, random: rand.Reader}
}

// Encrypt serializa v em JSON e cifra com um IV novo de 96 bits.
func (c *Codec) Encrypt(ctx context.Context, v any) (Envelope, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, cryptoErr("serialização: %v", err)
	}
	if len(plain) > maxPlaintext {
		return Envelope{}, cryptoErr("payload excede %d bytes", maxPlaintext)
	}

	aead, err := c.backend.AEAD(ctx, CurrentVersion)
	if err != nil {
		return Envelope{}, err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(c.random, iv); err != nil {
		return Envelope{}, cryptoErr("gerar iv: %v", err)
	}

	sealed := aead.Seal(nil, iv, plain, nil)
	return Envelope{
		Version:    CurrentVersion,
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Decrypt abre o envelope e decodifica o JSON resultante em out.
func (c *Codec) Decrypt(ctx context.Context, env Envelope, out any) error {
	plain, err := c.DecryptRaw(ctx, env)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, out); err != nil {
		return cryptoErr("json inválido: %v", err)
	}
	return nil
}

// DecryptRaw abre o envelope e devolve o JSON em claro.
func (c *Codec) DecryptRaw(ctx context.Context, env Envelope) (json.RawMessage, error) {
	if env.Version == 0 || env.IV == "" || env.Ciphertext == "" {
		return nil, cryptoErr("envelope incompleto")
	}
	if env.Version != CurrentVersion {
		return nil, cryptoErr("versão %d não suportada", env.Version)
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, cryptoErr("iv em base64 inválido")
	}
	if len(iv) != ivSize {
		return nil, cryptoErr("iv com %d bytes", len(iv))
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, cryptoErr("ciphertext em base64 inválido")
	}

	aead, err := c.backend.AEAD(ctx, env.Version)
	if err != nil {
		return nil, err
	}

	plain, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, cryptoErr("autenticação falhou")
	}
	return plain, nil
}

func cryptoErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCrypto, fmt.Sprintf(format, args...))
}
