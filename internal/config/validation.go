package config

import "fmt"

var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate checks storage settings and the shared pipeline bounds. Every
// command needs these; commands with extra requirements layer the
// Validate* helpers below on top.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.PostgresHost == "" {
		return ErrInvalidPostgresHost
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return ErrInvalidPostgresDBName
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	for _, t := range []struct {
		name  string
		value float64
	}{
		{"refresh_threshold", c.RefreshThreshold},
		{"premap_threshold", c.PremapThreshold},
	} {
		if t.value < 0 || t.value > 1 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidThreshold, t.name, t.value)
		}
	}

	if c.ChunkMinLength < 1 || c.ChunkMaxLength < c.ChunkMinLength {
		return fmt.Errorf("%w: min=%d max=%d", ErrInvalidChunkBounds, c.ChunkMinLength, c.ChunkMaxLength)
	}
	return nil
}

// ValidateEmbedding checks settings needed by commands that call the
// embedding provider (seed, refresh, premap).
func (c *Config) ValidateEmbedding() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.OpenAIAPIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// ValidateServe checks settings needed by the HTTP trigger server.
func (c *Config) ValidateServe() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.SiteSecret == "" {
		return ErrMissingSiteSecret
	}
	return nil
}
