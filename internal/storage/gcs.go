package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig descreve um bucket do Google Cloud Storage. Sem arquivo de
// credenciais vale o Application Default Credentials.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
}

// GCSStore grava objetos num bucket do GCS.
type GCSStore struct {
	client *gcs.Client
	bucket string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: bucket do GCS ausente")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: cliente GCS: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *GCSStore) Put(ctx context.Context, obj Object) (*PutResult, error) {
	if err := validateObject(obj); err != nil {
		return nil, err
	}
	w := s.client.Bucket(s.bucket).Object(obj.Key).NewWriter(ctx)
	w.ContentType = contentType(obj)
	w.CacheControl = obj.CacheControl

	if _, err := w.Write(obj.Body); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("storage: gravação GCS de %s: %w", obj.Key, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("storage: gravação GCS de %s: %w", obj.Key, err)
	}
	attrs := w.Attrs()
	res := &PutResult{URL: fmt.Sprintf("gs://%s/%s", s.bucket, obj.Key)}
	if attrs != nil {
		res.ETag = attrs.Etag
	}
	return res, nil
}

// Close libera o cliente.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
