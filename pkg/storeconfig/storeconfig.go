// Package storeconfig reads and writes a container's immutable
// configuration file.
//
// The config shape is a single closed struct rather than an open
// backend-selection document, so it's expressed as a plain JSON-tagged
// struct read and written with encoding/json, with validation following
// a Required/Optional-with-default pattern; Validate stops at the first
// bad field and reports only that one.
package storeconfig

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"objstore.dev/objstore/pkg/codec"
	"objstore.dev/objstore/pkg/objerr"
	"objstore.dev/objstore/pkg/objhash"
)

// CurrentVersion is the container_version written by this package.
const CurrentVersion = 1

// Defaults for a newly initialised container.
const (
	DefaultPackSizeTarget   = 4 * 1024 * 1024 * 1024
	DefaultCompressionToken = "zlib:+1"
	DefaultLoosePrefixLen   = 2
	DefaultHashType         = objhash.DefaultAlgorithm
)

// Config is the persisted container configuration. It
// is written once at init_container and never mutated thereafter.
type Config struct {
	HashType             string `json:"hash_type"`
	CompressionAlgorithm string `json:"compression_algorithm"`
	PackSizeTarget       int64  `json:"pack_size_target"`
	LoosePrefixLen       int    `json:"loose_prefix_len"`
	ContainerVersion     int    `json:"container_version"`
}

// Default returns the configuration init_container uses when the caller
// leaves every option unset.
func Default() Config {
	return Config{
		HashType:             DefaultHashType,
		CompressionAlgorithm: DefaultCompressionToken,
		PackSizeTarget:       DefaultPackSizeTarget,
		LoosePrefixLen:       DefaultLoosePrefixLen,
		ContainerVersion:     CurrentVersion,
	}
}

// Validate checks that every field is well-formed, canonicalizing
// CompressionAlgorithm to e.g. "zlib:+1" in the process. An unknown hash_type or malformed
// compression token is a ConfigError.
func (c *Config) Validate() error {
	if !objhash.Supported(c.HashType) {
		return errors.Wrapf(objerr.ErrConfigError, "storeconfig: unknown hash_type %q", c.HashType)
	}
	tok, err := codec.ParseToken(c.CompressionAlgorithm)
	if err != nil {
		return errors.Wrap(err, "storeconfig: invalid compression_algorithm")
	}
	c.CompressionAlgorithm = tok.String()
	if c.LoosePrefixLen < 1 {
		return errors.Wrapf(objerr.ErrConfigError, "storeconfig: loose_prefix_len must be >= 1, got %d", c.LoosePrefixLen)
	}
	if c.PackSizeTarget <= 0 {
		return errors.Wrapf(objerr.ErrConfigError, "storeconfig: pack_size_target must be > 0, got %d", c.PackSizeTarget)
	}
	if c.ContainerVersion == 0 {
		c.ContainerVersion = CurrentVersion
	}
	return nil
}

// Load reads and validates the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "storeconfig: reading %s", path)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, errors.Wrapf(err, "storeconfig: parsing %s", path)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Save validates and writes c to path, pretty-printed so the file stays
// human-inspectable.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "storeconfig: encoding config")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "storeconfig: writing %s", path)
}

// Exists reports whether a config file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
