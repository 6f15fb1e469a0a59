package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// S3Config descreve um bucket compatível com S3 (AWS, R2, MinIO).
type S3Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	PublicDomain string
	HTTPClient   *http.Client
}

// S3Store fala com o bucket por HTTP assinado com SigV4.
type S3Store struct {
	cfg    S3Config
	client *http.Client
	now    func() time.Time
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &S3Store{cfg: cfg, client: client, now: time.Now}, nil
}

func (cfg S3Config) validate() error {
	required := []struct{ value, msg string }{
		{cfg.Endpoint, "endpoint do S3 ausente"},
		{cfg.Region, "região do S3 ausente"},
		{cfg.Bucket, "bucket do S3 ausente"},
		{cfg.AccessKey, "access key ausente"},
		{cfg.SecretKey, "secret key ausente"},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return errors.New("storage: " + r.msg)
		}
	}
	if !strings.HasPrefix(cfg.Endpoint, "http://") && !strings.HasPrefix(cfg.Endpoint, "https://") {
		return errors.New("storage: endpoint deve incluir protocolo http/https")
	}
	return nil
}

func (s *S3Store) objectURL(key string) (string, string) {
	escaped := (&url.URL{Path: strings.TrimLeft(key, "/")}).EscapedPath()
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.Endpoint, "/"), s.cfg.Bucket, escaped), escaped
}

// Get lê o objeto. 404 vira ErrNotFound.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	target, _ := s.objectURL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	s.sign(req, nil)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError("leitura", resp)
	}
	return io.ReadAll(resp.Body)
}

// Put grava o objeto e devolve a URL pública quando há domínio configurado.
func (s *S3Store) Put(ctx context.Context, obj Object) (*PutResult, error) {
	if err := validateObject(obj); err != nil {
		return nil, err
	}
	target, escaped := s.objectURL(obj.Key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(obj.Body))
	if err != nil {
		return nil, err
	}
	req.ContentLength = int64(len(obj.Body))
	req.Header.Set("Content-Type", contentType(obj))
	req.Header.Set("Content-Length", strconv.Itoa(len(obj.Body)))
	if obj.CacheControl != "" {
		req.Header.Set("Cache-Control", obj.CacheControl)
	}
	s.sign(req, obj.Body)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError("gravação", resp)
	}

	publicURL := target
	if domain := strings.TrimSpace(s.cfg.PublicDomain); domain != "" {
		publicURL = strings.TrimRight(domain, "/") + "/" + escaped
	}
	return &PutResult{URL: publicURL, ETag: strings.Trim(resp.Header.Get("ETag"), `"`)}, nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("storage: %s falhou (%d): %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
}

// sign aplica AWS Signature Version 4 ao request.
func (s *S3Store) sign(req *http.Request, body []byte) {
	now := s.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	day := now.Format("20060102")

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("x-amz-date", amzDate)
	req.Header.Set("Host", req.URL.Host)

	headerBlock, signed := canonicalHeaders(req.Header)
	canonical := strings.Join([]string{
		req.Method,
		canonicalPath(req.URL.Path),
		canonicalQuery(req.URL.Query()),
		headerBlock,
		signed,
		payloadHash,
	}, "\n")

	scope := day + "/" + s.cfg.Region + "/s3/aws4_request"
	digest := sha256.Sum256([]byte(canonical))
	toSign := "AWS4-HMAC-SHA256\n" + amzDate + "\n" + scope + "\n" + hex.EncodeToString(digest[:])

	key := signingKey(s.cfg.SecretKey, day, s.cfg.Region, "s3")
	signature := hex.EncodeToString(hmacSum(key, toSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		s.cfg.AccessKey, scope, signed, signature,
	))
}

func canonicalPath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return awsEscape(path, false)
}

func canonicalQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vals := append([]string(nil), values[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, awsEscape(k, true)+"="+awsEscape(v, true))
		}
	}
	return strings.Join(parts, "&")
}

// canonicalHeaders devolve o bloco de cabeçalhos e a lista assinada.
func canonicalHeaders(h http.Header) (string, string) {
	merged := make(map[string]string, len(h))
	for k, vals := range h {
		name := strings.ToLower(k)
		if name == "authorization" {
			continue
		}
		trimmed := make([]string, len(vals))
		for i, v := range vals {
			trimmed[i] = strings.TrimSpace(v)
		}
		if prev, ok := merged[name]; ok {
			trimmed = append([]string{prev}, trimmed...)
		}
		merged[name] = strings.Join(trimmed, ",")
	}

	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	var block strings.Builder
	for _, name := range names {
		block.WriteString(name + ":" + merged[name] + "\n")
	}
	return block.String(), strings.Join(names, ";")
}

func awsEscape(s string, escapeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		case c == '/' && !escapeSlash:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func signingKey(secret, day, region, service string) []byte {
	k := hmacSum([]byte("AWS4"+secret), day)
	k = hmacSum(k, region)
	k = hmacSum(k, service)
	return hmacSum(k, "aws4_request")
}

func hmacSum(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
