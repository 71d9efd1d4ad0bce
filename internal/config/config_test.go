package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dunamismax/imagehandler/internal/domain"
	"github.com/dunamismax/imagehandler/internal/imgerr"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SOURCE_BUCKETS", " primary , secondary,,")
	t.Setenv("ENABLE_CACHE", "Yes")
	t.Setenv("TIMEOUT_MARGIN", "400ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(cfg.Image.SourceBuckets) != 2 || cfg.Image.SourceBuckets[0] != "primary" || cfg.Image.SourceBuckets[1] != "secondary" {
		t.Fatalf("unexpected source buckets %v", cfg.Image.SourceBuckets)
	}
	if !cfg.Image.CacheEnabled {
		t.Fatal("expected cache enabled from Yes")
	}
	if cfg.Image.CachePrefix != "cache/" || cfg.Batch.UploadPrefix != "uploads/" {
		t.Fatalf("unexpected prefixes %q %q", cfg.Image.CachePrefix, cfg.Batch.UploadPrefix)
	}
	if cfg.Delivery.TimeoutMargin != 400*time.Millisecond {
		t.Fatalf("expected 400ms margin, got %s", cfg.Delivery.TimeoutMargin)
	}
	if len(cfg.Batch.Transforms) != len(domain.DefaultBatchTransforms()) {
		t.Fatalf("expected default transforms, got %d", len(cfg.Batch.Transforms))
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		Image:    ImageConfig{SourceBuckets: []string{"src"}},
		Storage:  StorageConfig{Backend: "memory"},
		Metadata: MetadataConfig{Backend: "memory"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cases := map[string]func(c *Config){
		"no buckets":       func(c *Config) { c.Image.SourceBuckets = nil },
		"cache w/o output": func(c *Config) { c.Image.CacheEnabled = true },
		"fallback w/o key": func(c *Config) { c.Delivery.FallbackEnabled = true; c.Delivery.FallbackBucket = "b" },
		"watermark text":   func(c *Config) { c.Image.WatermarkEnabled = true },
		"object backend":   func(c *Config) { c.Storage.Backend = "gcs" },
		"metadata backend": func(c *Config) { c.Metadata.Backend = "mongo" },
		"dynamo table": func(c *Config) {
			c.Image.CacheEnabled = true
			c.Image.OutputBucket = "out"
			c.Metadata.Backend = "dynamodb"
		},
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if err := cfg.Validate(); !imgerr.Is(err, imgerr.CodeConfigurationError) {
			t.Fatalf("%s: expected ConfigurationError, got %v", name, err)
		}
	}
}

func TestLoadTransformsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "variants.yaml")
	content := `
transforms:
  - suffix: square
    width: 200
    height: 200
    fit: cover
    quality: 70
  - suffix: hero
    width: 1600
    height: 600
    watermark: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	t.Setenv("BATCH_TRANSFORMS_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Batch.Transforms) != 2 {
		t.Fatalf("expected 2 transforms, got %d", len(cfg.Batch.Transforms))
	}
	hero := cfg.Batch.Transforms[1]
	if hero.Suffix != "hero" || hero.Width != 1600 || !hero.Watermark {
		t.Fatalf("unexpected transform %+v", hero)
	}
}

func TestParseTransformsRejectsBadInput(t *testing.T) {
	for _, doc := range []string{
		"transforms: []",
		"transforms:\n  - width: 10\n",
		"transforms:\n  - suffix: a\n  - suffix: a\n",
		"transforms: [",
	} {
		if _, err := ParseTransforms([]byte(doc)); err == nil {
			t.Fatalf("expected error for %q", doc)
		}
	}
}
