package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/services"
	"gopkg.in/yaml.v3"
)

type providerConfig interface {
	name() string
	models() []string
	llm(logger *slog.Logger) (services.LLM, error)
}

// BaseProviderConfig contains the common fields for all provider configurations.
type BaseProviderConfig struct {
	Provider   string              `yaml:"provider"`
	Models     []string            `yaml:"models"`
	Parameters services.Parameters `yaml:"parameters"`
}

type config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	SystemPrompt         string `yaml:"systemPrompt"`
	TitleModel           string `yaml:"titleModel"`
	TitleGeneratorPrompt string `yaml:"titleGeneratorPrompt"`
	MaxToolRounds        int    `yaml:"maxToolRounds"`

	Providers []providerEntry `yaml:"providers"`

	Store     storeConfig     `yaml:"store"`
	Auth      authConfig      `yaml:"auth"`
	Streaming streamingConfig `yaml:"streaming"`

	MCPSSEServers   map[string]mcpSSEServerConfig   `yaml:"mcpSSEServers"`
	MCPStdIOServers map[string]mcpStdIOServerConfig `yaml:"mcpStdIOServers"`
}

// providerEntry decodes one element of the providers list into the configuration type named by
// its provider field.
type providerEntry struct {
	providerConfig
}

type ollamaConfig struct {
	BaseProviderConfig `yaml:",inline"`
	Host               string `yaml:"host"`
}

type openAIConfig struct {
	BaseProviderConfig `yaml:",inline"`
	APIKey             string `yaml:"apiKey"`
	BaseURL            string `yaml:"baseURL"`
}

type anthropicConfig struct {
	BaseProviderConfig `yaml:",inline"`
	APIKey             string `yaml:"apiKey"`
	Endpoint           string `yaml:"endpoint"`
	MaxTokens          int    `yaml:"maxTokens"`
	ThinkingBudget     int    `yaml:"thinkingBudget"`
}

type openRouterConfig struct {
	BaseProviderConfig `yaml:",inline"`
	APIKey             string `yaml:"apiKey"`
	Endpoint           string `yaml:"endpoint"`
}

type storeConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type authConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
}

type streamingConfig struct {
	GraceTTL      time.Duration `yaml:"graceTTL"`
	CeilingTTL    time.Duration `yaml:"ceilingTTL"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	SaveTimeout   time.Duration `yaml:"saveTimeout"`
	AbortTimeout  time.Duration `yaml:"abortTimeout"`
	KeepAlive     time.Duration `yaml:"keepAlive"`
	Strict        bool          `yaml:"strict"`
}

type mcpSSEServerConfig struct {
	URL string `yaml:"url"`
}

type mcpStdIOServerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

const (
	configEnv = "RELAYCHAT_CONFIG"

	driverBolt   = "bolt"
	driverSQLite = "sqlite"

	defaultOllamaHost = "http://localhost:11434"
)

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func (p *providerEntry) UnmarshalYAML(value *yaml.Node) error {
	var base BaseProviderConfig
	if err := value.Decode(&base); err != nil {
		return err
	}

	var pc providerConfig
	switch base.Provider {
	case "":
		return fmt.Errorf("line %d: provider is required", value.Line)
	case "ollama":
		pc = &ollamaConfig{}
	case "openai":
		pc = &openAIConfig{}
	case "anthropic":
		pc = &anthropicConfig{}
	case "openrouter":
		pc = &openRouterConfig{}
	default:
		return fmt.Errorf("line %d: unknown provider: %s", value.Line, base.Provider)
	}

	if err := value.Decode(pc); err != nil {
		return err
	}
	p.providerConfig = pc
	return nil
}

// configPath returns the path of the configuration file.
func configPath() (string, error) {
	if p := os.Getenv(configEnv); p != "" {
		return p, nil
	}
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, "relaychat", "config.yaml"), nil
}

func loadConfig(path string) (config, error) {
	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	cfg, err := parseConfig(f)
	if err != nil {
		return config{}, fmt.Errorf("error loading %s: %w", path, err)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(filepath.Dir(path), "store.db")
	}
	return cfg, nil
}

// parseConfig expands ${VAR} references, decodes r and applies defaults. Unset variables expand
// to the empty string.
func parseConfig(r io.Reader) (config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return config{}, err
	}
	expanded := envPattern.ReplaceAllStringFunc(string(raw), func(ref string) string {
		return os.Getenv(envPattern.FindStringSubmatch(ref)[1])
	})

	var cfg config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = driverBolt
	}
}

func (c config) validate() error {
	if len(c.Providers) == 0 {
		return errors.New("at least one provider is required")
	}

	served := make(map[string]bool)
	for i, p := range c.Providers {
		if len(p.models()) == 0 {
			return fmt.Errorf("provider %d (%s): models are required", i, p.name())
		}
		for _, m := range p.models() {
			served[m] = true
		}
	}
	if c.TitleModel != "" && !served[c.TitleModel] {
		return fmt.Errorf("title model %s is not served by any provider", c.TitleModel)
	}

	switch c.Store.Driver {
	case driverBolt, driverSQLite:
	default:
		return fmt.Errorf("unknown store driver: %s", c.Store.Driver)
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format: %s", c.LogFormat)
	}

	if c.MaxToolRounds < 0 {
		return errors.New("maxToolRounds must not be negative")
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown log level: %s", s)
	}
	return level, nil
}

func newLogger(cfg config, w io.Writer) *slog.Logger {
	level, _ := parseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (b BaseProviderConfig) name() string {
	return b.Provider
}

func (b BaseProviderConfig) models() []string {
	return b.Models
}

func envFallback(value, env string) string {
	if value != "" {
		return value
	}
	return os.Getenv(env)
}

func (o ollamaConfig) llm(logger *slog.Logger) (services.LLM, error) {
	host := envFallback(o.Host, "OLLAMA_HOST")
	if host == "" {
		host = defaultOllamaHost
	}
	return services.NewOllama(host, o.Parameters, logger)
}

func (o openAIConfig) llm(logger *slog.Logger) (services.LLM, error) {
	apiKey := envFallback(o.APIKey, "OPENAI_API_KEY")
	if apiKey == "" && o.BaseURL == "" {
		return nil, errors.New("openai: apiKey is required")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Parameters, logger), nil
}

func (a anthropicConfig) llm(logger *slog.Logger) (services.LLM, error) {
	apiKey := envFallback(a.APIKey, "ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("anthropic: apiKey is required")
	}
	if a.ThinkingBudget < 0 {
		return nil, errors.New("anthropic: thinkingBudget must not be negative")
	}
	return services.NewAnthropic(apiKey, a.Endpoint, a.MaxTokens, a.ThinkingBudget, a.Parameters, logger), nil
}

func (o openRouterConfig) llm(logger *slog.Logger) (services.LLM, error) {
	apiKey := envFallback(o.APIKey, "OPENROUTER_API_KEY")
	if apiKey == "" {
		return nil, errors.New("openrouter: apiKey is required")
	}
	return services.NewOpenRouter(apiKey, o.Endpoint, o.Parameters, logger), nil
}
