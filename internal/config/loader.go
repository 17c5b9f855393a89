package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the built-in speech-to-speech providers.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "genai-live", "openai-realtime"}

// DefaultAPIKeyEnv maps provider names to the environment variables checked
// when neither api_key nor api_key_env is set. Variables are tried in order.
var DefaultAPIKeyEnv = map[string][]string{
	"gemini-live":     {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"genai-live":      {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"openai-realtime": {"OPENAI_API_KEY"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, resolves API keys from the
// environment and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ResolveAPIKeys(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveAPIKeys fills empty provider API keys from the environment using
// getenv. An explicit api_key_env wins over the provider defaults.
func ResolveAPIKeys(cfg *Config, getenv func(string) string) {
	for i := range cfg.Providers.S2S {
		p := &cfg.Providers.S2S[i]
		if p.APIKey != "" {
			continue
		}
		if p.APIKeyEnv != "" {
			p.APIKey = getenv(p.APIKeyEnv)
			continue
		}
		for _, env := range DefaultAPIKeyEnv[p.Name] {
			if v := getenv(env); v != "" {
				p.APIKey = v
				break
			}
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if len(cfg.Providers.S2S) == 0 {
		errs = append(errs, errors.New("providers.s2s must list at least one provider"))
	}
	seen := make(map[string]int, len(cfg.Providers.S2S))
	for i, p := range cfg.Providers.S2S {
		prefix := fmt.Sprintf("providers.s2s[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.s2s[%d]", prefix, p.Name, prev))
		}
		seen[p.Name] = i
		validateProviderName(p.Name)
		if p.APIKey == "" {
			slog.Warn("provider has no API key; connecting will fail", "provider", p.Name)
		}
	}

	// Twin
	if err := cfg.Twin.Session().Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Twin.Instructions == "" {
		slog.Warn("twin.instructions is empty; the model will answer without a persona")
	}

	// Session log
	if cfg.SessionLog.MemoryCapacity < 0 {
		errs = append(errs, fmt.Errorf("session_log.memory_capacity must not be negative, got %d", cfg.SessionLog.MemoryCapacity))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not one of
// [ValidProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
