package storeconfig

import (
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
}

func TestValidateCanonicalizesCompressionToken(t *testing.T) {
	cfg := Default()
	cfg.CompressionAlgorithm = "zlib+3"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.CompressionAlgorithm != "zlib:+3" {
		t.Errorf("CompressionAlgorithm = %q, want canonical %q", cfg.CompressionAlgorithm, "zlib:+3")
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.HashType = "not-a-hash" },
		func(c *Config) { c.CompressionAlgorithm = "not-a-codec" },
		func(c *Config) { c.LoosePrefixLen = 0 },
		func(c *Config) { c.PackSizeTarget = 0 },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: Validate() = nil, want error", i)
		}
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	cfg := Default()
	cfg.PackSizeTarget = 123456

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !Exists(path) {
		t.Fatal("Exists() = false after Save")
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != cfg {
		t.Fatalf("Load() = %+v, want %+v", loaded, cfg)
	}
}

func TestExistsFalseForMissingFile(t *testing.T) {
	if Exists(filepath.Join(t.TempDir(), "config")) {
		t.Fatal("Exists() = true for a nonexistent file")
	}
}
