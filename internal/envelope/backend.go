package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/sync/singleflight"

	"github.com/gestaozabele/bitacora/internal/metrics"
)

const keySize = 32

// ErrInvalidKey indica chave mestra ausente ou com tamanho diferente de 256 bits.
var ErrInvalidKey = errors.New("envelope: chave mestra inválida")

// ParseMasterKey decodifica a chave mestra em base64 e valida o tamanho.
func ParseMasterKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrInvalidKey
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64", ErrInvalidKey)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(raw))
	}
	return raw, nil
}

// GenerateKey devolve uma chave mestra nova em base64.
func GenerateKey() (string, error) {
	raw := make([]byte, keySize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// StaticBackend usa uma chave já em memória. Serve ao cliente e às ferramentas.
type StaticBackend struct {
	aead cipher.AEAD
}

// NewStaticBackend cria backend a partir da chave bruta de 32 bytes.
func NewStaticBackend(key []byte) (*StaticBackend, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &StaticBackend{aead: aead}, nil
}

func (b *StaticBackend) AEAD(_ context.Context, version int) (cipher.AEAD, error) {
	if version != CurrentVersion {
		return nil, cryptoErr("versão %d não suportada", version)
	}
	return b.aead, nil
}

// Option ajusta o EnclaveBackend.
type Option func(*EnclaveBackend)

// WithKeyTTL define por quanto tempo a chave importada fica em cache.
// Zero mantém a chave até Purge.
func WithKeyTTL(ttl time.Duration) Option {
	return func(b *EnclaveBackend) { b.cache.ttl = ttl }
}

// WithClock substitui o relógio usado na expiração do cache.
func WithClock(now func() time.Time) Option {
	return func(b *EnclaveBackend) { b.cache.now = now }
}

// EnclaveBackend guarda a chave mestra num enclave memguard e importa a
// primitiva AEAD sob demanda, com no máximo uma importação em andamento.
type EnclaveBackend struct {
	enclave *memguard.Enclave
	cache   *keyCache
	group   singleflight.Group
	imports atomic.Int64
}

// NewEnclaveBackend sela a chave mestra (base64) num enclave.
func NewEnclaveBackend(encodedKey string, opts ...Option) (*EnclaveBackend, error) {
	raw, err := ParseMasterKey(encodedKey)
	if err != nil {
		return nil, err
	}
	b := &EnclaveBackend{
		enclave: memguard.NewEnclave(raw),
		cache:   newKeyCache(time.Now, 0),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *EnclaveBackend) AEAD(ctx context.Context, version int) (cipher.AEAD, error) {
	if version != CurrentVersion {
		return nil, cryptoErr("versão %d não suportada", version)
	}
	if aead, ok := b.cache.get(); ok {
		return aead, nil
	}

	ch := b.group.DoChan("v1", func() (any, error) {
		if aead, ok := b.cache.get(); ok {
			return aead, nil
		}
		buf, err := b.enclave.Open()
		if err != nil {
			return nil, cryptoErr("abrir enclave: %v", err)
		}
		defer buf.Destroy()

		aead, err := newAEAD(buf.Bytes())
		if err != nil {
			return nil, cryptoErr("importar chave: %v", err)
		}
		b.imports.Add(1)
		metrics.KeyImports.Inc()
		b.cache.put(aead)
		return aead, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(cipher.AEAD), nil
	}
}

// Imports informa quantas vezes a chave foi importada do enclave.
func (b *EnclaveBackend) Imports() int64 {
	return b.imports.Load()
}

// Purge descarta a primitiva em cache. A próxima operação importa de novo.
func (b *EnclaveBackend) Purge() {
	b.cache.clear()
}
