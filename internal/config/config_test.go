package config

import (
	"strings"
	"testing"
	"time"
)

const testKey = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="

func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DSN", "postgres://localhost/bitacora")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
	t.Setenv("REPORTS_MASTER_KEY", testKey)
}

func TestLoadDefaults(t *testing.T) {
	baseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8080 || cfg.FolioPrefix != "INC" || cfg.FolioWidth != 6 {
		t.Fatalf("defaults inesperados %+v", cfg)
	}
	if cfg.StepUpTTL != 5*time.Minute || cfg.ClaimsSyncAttempts != 5 || cfg.ClaimsSyncDelay != 500*time.Millisecond {
		t.Fatalf("defaults inesperados %+v", cfg)
	}
	if cfg.DecryptConcurrency != 8 || cfg.Storage.Provider != "noop" || cfg.EventsPGListen {
		t.Fatalf("defaults inesperados %+v", cfg)
	}
}

func TestLoadRequiresMasterKey(t *testing.T) {
	baseEnv(t)
	t.Setenv("REPORTS_MASTER_KEY", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "REPORTS_MASTER_KEY") {
		t.Fatalf("esperava erro da chave mestra, veio %v", err)
	}

	t.Setenv("REPORTS_MASTER_KEY", "Y3VydGE=")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "inválida") {
		t.Fatalf("chave curta deveria falhar, veio %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	baseEnv(t)
	t.Setenv("FOLIO_PREFIX", "BIT")
	t.Setenv("FOLIO_WIDTH", "8")
	t.Setenv("RATE_LIMIT_AUTH", "2.5:5")
	t.Setenv("EVENTS_PG_LISTEN", "true")
	t.Setenv("STORAGE_PROVIDER", "GCS")
	t.Setenv("ALLOW_ORIGINS", " https://a.mx , ,https://b.mx")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.FolioPrefix != "BIT" || cfg.FolioWidth != 8 {
		t.Fatalf("folio inesperado %s %d", cfg.FolioPrefix, cfg.FolioWidth)
	}
	if cfg.RateLimitAuth.RequestsPerSecond != 2.5 || cfg.RateLimitAuth.Burst != 5 {
		t.Fatalf("rate limit inesperado %+v", cfg.RateLimitAuth)
	}
	if !cfg.EventsPGListen || cfg.Storage.Provider != "gcs" {
		t.Fatalf("flags inesperadas %+v", cfg)
	}
	if len(cfg.AllowOrigins) != 2 {
		t.Fatalf("origens inesperadas %v", cfg.AllowOrigins)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"FOLIO_WIDTH":          "0",
		"CLAIMS_SYNC_ATTEMPTS": "0",
		"STORAGE_PROVIDER":     "ftp",
		"RATE_LIMIT_PUBLIC":    "10",
		"STEPUP_TTL":           "cinco",
		"EVENTS_PG_LISTEN":     "talvez",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			baseEnv(t)
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("%s=%s deveria falhar", key, val)
			}
		})
	}
}
