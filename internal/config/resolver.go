// Package config resolves gavel settings from the config file,
// environment, and CLI flags, tracking where every value came from.
// Precedence: defaults < config file < environment < CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath string
	CLIDBPath  string
	CLIModel   string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath ResolvedValue `json:"db_path"`

	LLMModel       ResolvedValue `json:"llm_model"`
	LLMAPIKey      ResolvedValue `json:"llm_api_key"`
	LLMBaseURL     ResolvedValue `json:"llm_base_url"`
	LLMTimeoutSecs ResolvedValue `json:"llm_timeout_secs"`
	LLMMinChars    ResolvedValue `json:"llm_min_chars"`

	ExtractExcerptRadius ResolvedValue `json:"extract_excerpt_radius"`
}

type fileConfig struct {
	DBPath string `yaml:"db_path"`
	LLM    struct {
		Model       string `yaml:"model"`
		APIKey      string `yaml:"api_key"`
		BaseURL     string `yaml:"base_url"`
		TimeoutSecs int    `yaml:"timeout_secs"`
		MinChars    int    `yaml:"min_chars"`
	} `yaml:"llm"`
	Extract struct {
		ExcerptRadius int `yaml:"excerpt_radius"`
	} `yaml:"extract"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gavel", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{ConfigPath: path}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.LLMModel, cfg.LLM.Model, SourceConfig, path)
		apply(&out.LLMAPIKey, cfg.LLM.APIKey, SourceConfig, path)
		apply(&out.LLMBaseURL, cfg.LLM.BaseURL, SourceConfig, path)
		if cfg.LLM.TimeoutSecs > 0 {
			out.LLMTimeoutSecs = ResolvedValue{Value: strconv.Itoa(cfg.LLM.TimeoutSecs), Source: SourceConfig, From: path}
		}
		if cfg.LLM.MinChars > 0 {
			out.LLMMinChars = ResolvedValue{Value: strconv.Itoa(cfg.LLM.MinChars), Source: SourceConfig, From: path}
		}
		if cfg.Extract.ExcerptRadius > 0 {
			out.ExtractExcerptRadius = ResolvedValue{Value: strconv.Itoa(cfg.Extract.ExcerptRadius), Source: SourceConfig, From: path}
		}
	}

	applyEnv(&out.DBPath, "GAVEL_DB")
	applyEnv(&out.DBPath, "GAVEL_DB_PATH")

	applyEnv(&out.LLMModel, "GAVEL_LLM_MODEL")
	applyEnv(&out.LLMBaseURL, "GAVEL_LLM_BASE_URL")
	applyEnv(&out.LLMTimeoutSecs, "GAVEL_LLM_TIMEOUT")
	applyEnv(&out.LLMMinChars, "GAVEL_LLM_MIN_CHARS")
	applyEnv(&out.ExtractExcerptRadius, "GAVEL_EXCERPT_RADIUS")

	// The generic OpenAI key works as a fallback for the gavel-specific
	// one.
	applyEnv(&out.LLMAPIKey, "OPENAI_API_KEY")
	applyEnv(&out.LLMAPIKey, "GAVEL_LLM_API_KEY")

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.LLMModel, opts.CLIModel, SourceCLI, "--model")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}

	return out, nil
}

// LLMEnabled reports whether generative extraction can run at all; an
// API key is the only hard requirement.
func (r ResolvedConfig) LLMEnabled() bool {
	return strings.TrimSpace(r.LLMAPIKey.Value) != ""
}

// TimeoutSecs returns the configured LLM timeout in seconds, or 0 when
// unset or unparseable so the adapter's default applies.
func (r ResolvedConfig) TimeoutSecs() int {
	return intValue(r.LLMTimeoutSecs)
}

// MinChars returns the configured minimum chunk length for the LLM
// strategy, or 0 when unset.
func (r ResolvedConfig) MinChars() int {
	return intValue(r.LLMMinChars)
}

// ExcerptRadius returns the configured rune radius for rule-match
// excerpts, or 0 when unset.
func (r ResolvedConfig) ExcerptRadius() int {
	return intValue(r.ExtractExcerptRadius)
}

func intValue(v ResolvedValue) int {
	n, err := strconv.Atoi(strings.TrimSpace(v.Value))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
