// Package config resolves service settings from built-in defaults, an optional
// YAML file, the environment (including a .env file) and CLI flags, in that
// order of increasing precedence. Every value remembers where it came from.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ndk-tracker-go/internal/types"
)

type ValueSource string

const (
	SourceDefault ValueSource = "default"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// Setting keys, shared by the YAML file, Options.Overrides and Config.Values.
const (
	KeyHTTPAddr             = "http_addr"
	KeyHTTPSAddr            = "https_addr"
	KeyTLSCertFile          = "tls_cert_file"
	KeyTLSKeyFile           = "tls_key_file"
	KeyDataDir              = "data_dir"
	KeyStoreDriver          = "store_driver"
	KeyLLMBackend           = "llm.backend"
	KeyLLMModel             = "llm.model"
	KeyDaemonURL            = "llm.daemon_url"
	KeyEngineURL            = "llm.engine_url"
	KeyEngineModelPath      = "llm.engine_model_path"
	KeyModelsDir            = "llm.models_dir"
	KeyLLMTimeout           = "llm.timeout"
	KeyProbeTimeout         = "llm.probe_timeout"
	KeyDaemonMaxConcurrency = "llm.daemon_max_concurrency"
	KeyMaxTokens            = "llm.max_tokens"
	KeyTemperature          = "llm.temperature"
	KeyMaxClarifications    = "session.max_clarification_rounds"
)

var settings = []struct {
	key, env, def string
}{
	{KeyHTTPAddr, "NDK_HTTP_ADDR", ":8080"},
	{KeyHTTPSAddr, "NDK_HTTPS_ADDR", ":8443"},
	{KeyTLSCertFile, "NDK_TLS_CERT_FILE", ""},
	{KeyTLSKeyFile, "NDK_TLS_KEY_FILE", ""},
	{KeyDataDir, "NDK_DATA_DIR", "./data"},
	{KeyStoreDriver, "NDK_STORE_DRIVER", "sqlite"},
	{KeyLLMBackend, "DEFAULT_LLM_BACKEND", "daemon_client"},
	{KeyLLMModel, "NDK_LLM_MODEL", "llama2"},
	{KeyDaemonURL, "OLLAMA_HOST", "http://localhost:11434"},
	{KeyEngineURL, "LLAMA_CPP_SERVER_URL", "http://localhost:8081"},
	{KeyEngineModelPath, "LLAMA_CPP_MODEL_PATH", ""},
	{KeyModelsDir, "NDK_MODELS_DIR", "./models"},
	{KeyLLMTimeout, "NDK_LLM_TIMEOUT", "30s"},
	{KeyProbeTimeout, "NDK_LLM_PROBE_TIMEOUT", "2s"},
	{KeyDaemonMaxConcurrency, "NDK_DAEMON_MAX_CONCURRENCY", "4"},
	{KeyMaxTokens, "NDK_LLM_MAX_TOKENS", "512"},
	{KeyTemperature, "NDK_LLM_TEMPERATURE", "0.7"},
	{KeyMaxClarifications, "NDK_MAX_CLARIFICATION_ROUNDS", "3"},
}

type Options struct {
	// ConfigPath is the YAML file. Empty means $NDK_CONFIG, then ./config.yaml.
	// A missing file is not an error.
	ConfigPath string
	// EnvFile is loaded into the environment first. Empty means ".env".
	EnvFile string
	// Overrides are CLI values keyed by setting key; empty values are ignored.
	Overrides map[string]string
}

type LLMConfig struct {
	Backend              types.BackendKind
	Model                string
	DaemonURL            string
	EngineURL            string
	EngineModelPath      string
	ModelsDir            string
	Timeout              time.Duration
	ProbeTimeout         time.Duration
	DaemonMaxConcurrency int64
	MaxTokens            int
	Temperature          float64
}

type Config struct {
	ConfigPath  string
	HTTPAddr    string
	HTTPSAddr   string
	TLSCertFile string
	TLSKeyFile  string
	DataDir     string
	StoreDriver string
	LLM         LLMConfig

	MaxClarificationRounds int
	FallbackKeywords       map[types.Category][]string

	// Values holds every resolved setting with its source.
	Values map[string]ResolvedValue
}

type fileConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	HTTPSAddr   string `yaml:"https_addr"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	DataDir     string `yaml:"data_dir"`
	StoreDriver string `yaml:"store_driver"`
	LLM         struct {
		Backend              string   `yaml:"backend"`
		Model                string   `yaml:"model"`
		DaemonURL            string   `yaml:"daemon_url"`
		EngineURL            string   `yaml:"engine_url"`
		EngineModelPath      string   `yaml:"engine_model_path"`
		ModelsDir            string   `yaml:"models_dir"`
		Timeout              string   `yaml:"timeout"`
		ProbeTimeout         string   `yaml:"probe_timeout"`
		DaemonMaxConcurrency *int     `yaml:"daemon_max_concurrency"`
		MaxTokens            *int     `yaml:"max_tokens"`
		Temperature          *float64 `yaml:"temperature"`
	} `yaml:"llm"`
	Session struct {
		MaxClarificationRounds *int `yaml:"max_clarification_rounds"`
	} `yaml:"session"`
	Fallback struct {
		Keywords map[string][]string `yaml:"keywords"`
	} `yaml:"fallback"`
}

func (f *fileConfig) flatten() map[string]string {
	out := map[string]string{
		KeyHTTPAddr:        f.HTTPAddr,
		KeyHTTPSAddr:       f.HTTPSAddr,
		KeyTLSCertFile:     f.TLSCertFile,
		KeyTLSKeyFile:      f.TLSKeyFile,
		KeyDataDir:         f.DataDir,
		KeyStoreDriver:     f.StoreDriver,
		KeyLLMBackend:      f.LLM.Backend,
		KeyLLMModel:        f.LLM.Model,
		KeyDaemonURL:       f.LLM.DaemonURL,
		KeyEngineURL:       f.LLM.EngineURL,
		KeyEngineModelPath: f.LLM.EngineModelPath,
		KeyModelsDir:       f.LLM.ModelsDir,
		KeyLLMTimeout:      f.LLM.Timeout,
		KeyProbeTimeout:    f.LLM.ProbeTimeout,
	}
	if v := f.LLM.DaemonMaxConcurrency; v != nil {
		out[KeyDaemonMaxConcurrency] = strconv.Itoa(*v)
	}
	if v := f.LLM.MaxTokens; v != nil {
		out[KeyMaxTokens] = strconv.Itoa(*v)
	}
	if v := f.LLM.Temperature; v != nil {
		out[KeyTemperature] = strconv.FormatFloat(*v, 'f', -1, 64)
	}
	if v := f.Session.MaxClarificationRounds; v != nil {
		out[KeyMaxClarifications] = strconv.Itoa(*v)
	}
	return out
}

// Load resolves the configuration and validates it.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}

	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("NDK_CONFIG"))
	}
	if path == "" {
		path = "config.yaml"
	}

	values := make(map[string]ResolvedValue, len(settings))
	for _, s := range settings {
		values[s.key] = ResolvedValue{Value: s.def, Source: SourceDefault, From: "built-in default"}
	}

	file, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	if file != nil {
		for key, v := range file.flatten() {
			apply(values, key, v, SourceConfig, path)
		}
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		apply(values, KeyHTTPAddr, ":"+port, SourceEnv, "PORT")
	}
	for _, s := range settings {
		apply(values, s.key, os.Getenv(s.env), SourceEnv, s.env)
	}

	for key, v := range opts.Overrides {
		if _, known := values[key]; !known {
			return nil, fmt.Errorf("unknown setting %q", key)
		}
		apply(values, key, v, SourceCLI, "--"+key)
	}

	cfg, err := build(values)
	if err != nil {
		return nil, err
	}
	cfg.ConfigPath = path
	if file != nil {
		cfg.FallbackKeywords, err = parseKeywords(file.Fallback.Keywords)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func build(values map[string]ResolvedValue) (*Config, error) {
	get := func(key string) string { return values[key].Value }
	var errs []error
	wrap := func(key string, err error) {
		v := values[key]
		errs = append(errs, fmt.Errorf("%s=%q (from %s): %w", key, v.Value, v.From, err))
	}
	duration := func(key string) time.Duration {
		d, err := time.ParseDuration(get(key))
		if err != nil {
			wrap(key, err)
		}
		return d
	}
	integer := func(key string) int {
		n, err := strconv.Atoi(get(key))
		if err != nil {
			wrap(key, err)
		}
		return n
	}

	backend, err := types.ParseBackendKind(get(KeyLLMBackend))
	if err != nil {
		wrap(KeyLLMBackend, err)
	}
	temp, err := strconv.ParseFloat(get(KeyTemperature), 64)
	if err != nil {
		wrap(KeyTemperature, err)
	}

	cfg := &Config{
		HTTPAddr:    get(KeyHTTPAddr),
		HTTPSAddr:   get(KeyHTTPSAddr),
		TLSCertFile: get(KeyTLSCertFile),
		TLSKeyFile:  get(KeyTLSKeyFile),
		DataDir:     get(KeyDataDir),
		StoreDriver: strings.ToLower(get(KeyStoreDriver)),
		LLM: LLMConfig{
			Backend:              backend,
			Model:                get(KeyLLMModel),
			DaemonURL:            normalizeURL(get(KeyDaemonURL)),
			EngineURL:            normalizeURL(get(KeyEngineURL)),
			EngineModelPath:      get(KeyEngineModelPath),
			ModelsDir:            get(KeyModelsDir),
			Timeout:              duration(KeyLLMTimeout),
			ProbeTimeout:         duration(KeyProbeTimeout),
			DaemonMaxConcurrency: int64(integer(KeyDaemonMaxConcurrency)),
			MaxTokens:            integer(KeyMaxTokens),
			Temperature:          temp,
		},
		MaxClarificationRounds: integer(KeyMaxClarifications),
		Values:                 values,
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.LLM.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyLLMTimeout))
	}
	if c.LLM.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyProbeTimeout))
	}
	if c.LLM.DaemonMaxConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyDaemonMaxConcurrency))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyMaxTokens))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("%s must be within [0,2]", KeyTemperature))
	}
	if c.MaxClarificationRounds <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyMaxClarifications))
	}
	switch c.StoreDriver {
	case "sqlite", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown %s %q (supported: sqlite, json)", KeyStoreDriver, c.StoreDriver))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, fmt.Errorf("%s and %s must be set together", KeyTLSCertFile, KeyTLSKeyFile))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// TLSEnabled reports whether the encrypted listener should start.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Setting is one resolved value with its key.
type Setting struct {
	Key string `json:"key"`
	ResolvedValue
}

// Settings lists the resolved values in key order, for display.
func (c *Config) Settings() []Setting {
	out := make([]Setting, 0, len(c.Values))
	for k, v := range c.Values {
		out = append(out, Setting{Key: k, ResolvedValue: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func parseKeywords(raw map[string][]string) (map[types.Category][]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[types.Category][]string, len(raw))
	for k, words := range raw {
		c, ok := types.ParseCategory(k)
		if !ok {
			return nil, fmt.Errorf("fallback.keywords: unknown category %q", k)
		}
		out[c] = words
	}
	return out, nil
}

// normalizeURL accepts OLLAMA_HOST-style bare host:port values.
func normalizeURL(v string) string {
	if v == "" || strings.Contains(v, "://") {
		return v
	}
	return "http://" + v
}

func apply(values map[string]ResolvedValue, key, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	values[key] = ResolvedValue{Value: v, Source: source, From: from}
}

func loadFile(path string) (*fileConfig, error) {
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
