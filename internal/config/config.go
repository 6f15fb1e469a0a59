package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/gestaozabele/bitacora/internal/envelope"
	"github.com/gestaozabele/bitacora/internal/folio"
	"github.com/gestaozabele/bitacora/internal/schema"
	"github.com/gestaozabele/bitacora/internal/storage"
)

// Config centraliza a configuração carregada do ambiente.
type Config struct {
	Port         int
	DBDSN        string
	RedisURL     string
	JWTAccessTTL time.Duration
	JWTSecret    string
	AllowOrigins []string

	RateLimitPublic RateLimitConfig
	RateLimitAuth   RateLimitConfig

	WebAuthnRPID     string
	WebAuthnRPOrigin string
	WebAuthnRPName   string

	// ReportsMasterKey é a chave AES-256 em base64. Validada no Load e
	// descartada do processo depois de selada no enclave.
	ReportsMasterKey string
	KeyCacheTTL      time.Duration

	FolioPrefix string
	FolioWidth  int

	StepUpTTL time.Duration

	ClaimsSyncAttempts uint
	ClaimsSyncDelay    time.Duration

	DecryptConcurrency int

	SlackWebhookURL string

	Storage         StorageConfig
	SchemaObjectKey string

	// EventsPGListen liga o LISTEN de reportes_incidencia_creados no lugar
	// da publicação direta do incident.created.
	EventsPGListen bool
}

// RateLimitConfig representa limites simples para throttling.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// StorageConfig descreve o armazenamento de objetos do descritor.
type StorageConfig struct {
	Provider           string
	S3Endpoint         string
	S3Region           string
	S3Bucket           string
	S3AccessKey        string
	S3SecretKey        string
	S3PublicDomain     string
	GCSBucket          string
	GCSCredentialsFile string
}

// Load carrega variáveis de ambiente e aplica defaults seguros.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	port, err := strconv.Atoi(getEnv("PORT", "8080"))
	if err != nil || port <= 0 {
		return nil, errors.New("PORT inválida")
	}
	cfg.Port = port

	cfg.DBDSN = getEnv("DB_DSN", "")
	if cfg.DBDSN == "" {
		return nil, errors.New("DB_DSN obrigatório")
	}

	cfg.RedisURL = getEnv("REDIS_URL", "")
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL obrigatório")
	}

	cfg.JWTSecret = strings.TrimSpace(getEnv("JWT_SECRET", ""))
	if len(cfg.JWTSecret) < 32 {
		return nil, errors.New("JWT_SECRET deve ter pelo menos 32 caracteres")
	}

	if cfg.JWTAccessTTL, err = parseDurationEnv("JWT_ACCESS_TTL", 15*time.Minute); err != nil {
		return nil, err
	}

	for _, origin := range strings.Split(getEnv("ALLOW_ORIGINS", ""), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.AllowOrigins = append(cfg.AllowOrigins, origin)
		}
	}

	if cfg.RateLimitPublic, err = parseRateLimit("RATE_LIMIT_PUBLIC", RateLimitConfig{RequestsPerSecond: 10, Burst: 20}); err != nil {
		return nil, err
	}
	if cfg.RateLimitAuth, err = parseRateLimit("RATE_LIMIT_AUTH", RateLimitConfig{RequestsPerSecond: 10, Burst: 40}); err != nil {
		return nil, err
	}

	cfg.WebAuthnRPID = getEnvDefault("WEBAUTHN_RP_ID", "localhost")
	cfg.WebAuthnRPOrigin = getEnvDefault("WEBAUTHN_RP_ORIGIN", "http://localhost:5173")
	cfg.WebAuthnRPName = getEnvDefault("WEBAUTHN_RP_NAME", "Bitácora Escolar")

	cfg.ReportsMasterKey = strings.TrimSpace(getEnv("REPORTS_MASTER_KEY", ""))
	if cfg.ReportsMasterKey == "" {
		return nil, errors.New("REPORTS_MASTER_KEY obrigatório")
	}
	if _, err := envelope.ParseMasterKey(cfg.ReportsMasterKey); err != nil {
		return nil, errors.New("REPORTS_MASTER_KEY inválida: " + err.Error())
	}
	if cfg.KeyCacheTTL, err = parseDurationEnv("KEY_CACHE_TTL", time.Hour); err != nil {
		return nil, err
	}

	if cfg.FolioPrefix, cfg.FolioWidth, err = loadFolio(); err != nil {
		return nil, err
	}

	if cfg.StepUpTTL, err = parseDurationEnv("STEPUP_TTL", 5*time.Minute); err != nil {
		return nil, err
	}

	attempts, err := parseIntEnv("CLAIMS_SYNC_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}
	if attempts < 1 {
		return nil, errors.New("CLAIMS_SYNC_ATTEMPTS deve ser positivo")
	}
	cfg.ClaimsSyncAttempts = uint(attempts)
	if cfg.ClaimsSyncDelay, err = parseDurationEnv("CLAIMS_SYNC_DELAY", 500*time.Millisecond); err != nil {
		return nil, err
	}

	if cfg.DecryptConcurrency, err = parseIntEnv("DECRYPT_CONCURRENCY", 8); err != nil {
		return nil, err
	}
	if cfg.DecryptConcurrency < 1 {
		return nil, errors.New("DECRYPT_CONCURRENCY deve ser positivo")
	}

	cfg.SlackWebhookURL = strings.TrimSpace(getEnv("SLACK_WEBHOOK_URL", ""))

	sc, err := LoadSchema()
	if err != nil {
		return nil, err
	}
	cfg.Storage = sc.Storage
	cfg.SchemaObjectKey = sc.ObjectKey

	if cfg.EventsPGListen, err = parseBoolEnv("EVENTS_PG_LISTEN", false); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SchemaConfig é o subconjunto usado para publicar o descritor de esquema,
// sem exigir as credenciais da API.
type SchemaConfig struct {
	Storage     StorageConfig
	ObjectKey   string
	FolioPrefix string
	FolioWidth  int
}

// LoadSchema lê só o armazenamento de objetos e o formato do folio.
func LoadSchema() (*SchemaConfig, error) {
	_ = godotenv.Load()

	sc := &SchemaConfig{
		Storage: StorageConfig{
			Provider:           strings.ToLower(getEnvDefault("STORAGE_PROVIDER", "noop")),
			S3Endpoint:         strings.TrimSpace(getEnv("S3_ENDPOINT", "")),
			S3Region:           getEnvDefault("S3_REGION", "auto"),
			S3Bucket:           strings.TrimSpace(getEnv("S3_BUCKET", "")),
			S3AccessKey:        strings.TrimSpace(getEnv("S3_ACCESS_KEY", "")),
			S3SecretKey:        strings.TrimSpace(getEnv("S3_SECRET_KEY", "")),
			S3PublicDomain:     strings.TrimSpace(getEnv("S3_PUBLIC_DOMAIN", "")),
			GCSBucket:          strings.TrimSpace(getEnv("GCS_BUCKET", "")),
			GCSCredentialsFile: strings.TrimSpace(getEnv("GCS_CREDENTIALS_FILE", "")),
		},
		ObjectKey: getEnvDefault("SCHEMA_OBJECT_KEY", schema.DefaultKey),
	}
	switch sc.Storage.Provider {
	case "noop", "s3", "r2", "gcs":
	default:
		return nil, errors.New("STORAGE_PROVIDER deve ser noop, s3, r2 ou gcs")
	}

	var err error
	if sc.FolioPrefix, sc.FolioWidth, err = loadFolio(); err != nil {
		return nil, err
	}
	return sc, nil
}

// StoreConfig converte para a configuração do pacote storage.
func (s StorageConfig) StoreConfig() storage.Config {
	return storage.Config{
		Provider: s.Provider,
		S3: storage.S3Config{
			Endpoint:     s.S3Endpoint,
			Region:       s.S3Region,
			Bucket:       s.S3Bucket,
			AccessKey:    s.S3AccessKey,
			SecretKey:    s.S3SecretKey,
			PublicDomain: s.S3PublicDomain,
		},
		GCS: storage.GCSConfig{
			Bucket:          s.GCSBucket,
			CredentialsFile: s.GCSCredentialsFile,
		},
	}
}

func loadFolio() (string, int, error) {
	prefix := getEnvDefault("FOLIO_PREFIX", folio.DefaultPrefix)
	width, err := parseIntEnv("FOLIO_WIDTH", folio.DefaultWidth)
	if err != nil {
		return "", 0, err
	}
	if width < 1 || width > 12 {
		return "", 0, errors.New("FOLIO_WIDTH deve estar entre 1 e 12")
	}
	return prefix, width, nil
}

func getEnv(key, def string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return def
}

// getEnvDefault trata valor vazio como ausente.
func getEnvDefault(key, def string) string {
	if val := strings.TrimSpace(getEnv(key, "")); val != "" {
		return val
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	val := getEnv(key, "")
	if val == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(val)
	if err != nil {
		return 0, errors.New(key + " inválido")
	}
	return dur, nil
}

func parseIntEnv(key string, def int) (int, error) {
	val := strings.TrimSpace(getEnv(key, ""))
	if val == "" {
		return def, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, errors.New(key + " inválido")
	}
	return n, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	val := strings.TrimSpace(getEnv(key, ""))
	if val == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, errors.New(key + " inválido")
	}
	return b, nil
}

// parseRateLimit lê "rps:burst", ex. 10:20.
func parseRateLimit(key string, def RateLimitConfig) (RateLimitConfig, error) {
	val := strings.TrimSpace(getEnv(key, ""))
	if val == "" {
		return def, nil
	}
	rps, burst, ok := strings.Cut(val, ":")
	if !ok {
		return RateLimitConfig{}, errors.New(key + " deve ter o formato rps:burst")
	}
	r, err := strconv.ParseFloat(strings.TrimSpace(rps), 64)
	if err != nil || r <= 0 {
		return RateLimitConfig{}, errors.New(key + " inválido")
	}
	b, err := strconv.Atoi(strings.TrimSpace(burst))
	if err != nil || b <= 0 {
		return RateLimitConfig{}, errors.New(key + " inválido")
	}
	return RateLimitConfig{RequestsPerSecond: r, Burst: b}, nil
}
