package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indica objeto inexistente no bucket.
	ErrNotFound = errors.New("storage: objeto não encontrado")
	// ErrNotConfigured indica que nenhum backend foi configurado.
	ErrNotConfigured = errors.New("storage: backend não configurado")
)

// Object é um blob a gravar.
type Object struct {
	Key          string
	Body         []byte
	ContentType  string
	CacheControl string
}

// PutResult descreve o objeto gravado.
type PutResult struct {
	URL  string
	ETag string
}

// ObjectStore lê e grava blobs por chave.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, obj Object) (*PutResult, error)
}

func validateObject(obj Object) error {
	if obj.Key == "" {
		return errors.New("storage: chave do objeto obrigatória")
	}
	if len(obj.Body) == 0 {
		return errors.New("storage: corpo vazio")
	}
	return nil
}

func contentType(obj Object) string {
	if obj.ContentType == "" {
		return "application/octet-stream"
	}
	return obj.ContentType
}

// Config seleciona o backend pelo nome do provedor.
type Config struct {
	Provider string
	S3       S3Config
	GCS      GCSConfig
}

// Open devolve o backend do provedor: noop, s3, r2 ou gcs.
func Open(ctx context.Context, cfg Config) (ObjectStore, error) {
	switch cfg.Provider {
	case "", "noop":
		return Noop{}, nil
	case "s3", "r2":
		return NewS3Store(cfg.S3)
	case "gcs":
		return NewGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("storage: provedor desconhecido %q", cfg.Provider)
	}
}
