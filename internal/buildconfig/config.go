// Package buildconfig decodes and validates the YAML build document read
// from standard input.
package buildconfig

import (
	"fmt"
	"io"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/ocibuild/internal/compression"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPrefetchLimitMB caps the bytes the scanner may hold in memory
// across read-aheads when the document does not say otherwise.
const DefaultPrefetchLimitMB = 512

// Config is the whole build document. It is decoded once and immutable
// for the run.
type Config struct {
	Compression      string            `yaml:"compression"`
	CompressionLevel *int              `yaml:"compression-level"`
	SkipXattrs       bool              `yaml:"skip-xattrs"`
	PrefetchLimitMB  int               `yaml:"prefetch-limit-mb"`
	Annotations      map[string]string `yaml:"annotations"`
	Images           []ImageSpec       `yaml:"images"`

	kind  compression.Kind
	level int
}

// ImageSpec describes one image to build.
type ImageSpec struct {
	Architecture     string            `yaml:"architecture"`
	OS               string            `yaml:"os"`
	OSVersion        string            `yaml:"os.version"`
	OSFeatures       []string          `yaml:"os.features"`
	Variant          string            `yaml:"variant"`
	Author           string            `yaml:"author"`
	Comment          string            `yaml:"comment"`
	Layer            string            `yaml:"layer"`
	Parent           *ParentRef        `yaml:"parent"`
	Config           map[string]any    `yaml:"config"`
	Annotations      map[string]string `yaml:"annotations"`
	IndexAnnotations map[string]string `yaml:"index-annotations"`
}

// ParentRef points at an existing OCI directory whose selected manifest
// becomes the base of the image.
type ParentRef struct {
	Image string `yaml:"image"`
	Index int    `yaml:"index"`
}

// Decode reads one YAML document and validates it.
func Decode(r io.Reader) (*Config, error) {
	cfg := &Config{
		Compression:     "gzip",
		PrefetchLimitMB: DefaultPrefetchLimitMB,
	}
	if err := yaml.NewDecoder(r).Decode(cfg); err != nil {
		return nil, errors.Wrap(err, "decoding build document")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the document and resolves the compression kind and
// level.
func (c *Config) Validate() error {
	kind, err := compression.Parse(c.Compression)
	if err != nil {
		return err
	}
	c.kind = kind

	c.level = kind.DefaultLevel()
	if c.CompressionLevel != nil {
		c.level = *c.CompressionLevel
	}
	if err := kind.ValidateLevel(c.level); err != nil {
		return err
	}

	if c.PrefetchLimitMB < 0 {
		return fmt.Errorf("prefetch-limit-mb must be non-negative, got %d: %w", c.PrefetchLimitMB, cerrdefs.ErrInvalidArgument)
	}

	if len(c.Images) == 0 {
		return fmt.Errorf("at least one image is required: %w", cerrdefs.ErrInvalidArgument)
	}
	for i, img := range c.Images {
		if img.Architecture == "" {
			return fmt.Errorf("images[%d]: architecture is required: %w", i, cerrdefs.ErrInvalidArgument)
		}
		if img.OS == "" {
			return fmt.Errorf("images[%d]: os is required: %w", i, cerrdefs.ErrInvalidArgument)
		}
		if img.Parent != nil {
			if img.Parent.Image == "" {
				return fmt.Errorf("images[%d]: parent.image is required: %w", i, cerrdefs.ErrInvalidArgument)
			}
			if img.Parent.Index < 0 {
				return fmt.Errorf("images[%d]: parent.index must be non-negative: %w", i, cerrdefs.ErrInvalidArgument)
			}
		}
	}
	return nil
}

// Kind returns the resolved compression kind. Valid after Validate.
func (c *Config) Kind() compression.Kind {
	return c.kind
}

// Level returns the resolved compression level. Valid after Validate.
func (c *Config) Level() int {
	return c.level
}

// PrefetchLimitBytes returns the scanner read-ahead budget in bytes.
func (c *Config) PrefetchLimitBytes() int64 {
	return int64(c.PrefetchLimitMB) * 1024 * 1024
}
