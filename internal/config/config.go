package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	HTTP        HTTPConfig      `mapstructure:"http"`
	GRPC        GRPCConfig      `mapstructure:"grpc"`
	OpenAI      OpenAIConfig    `mapstructure:"openai"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Auth        AuthConfig      `mapstructure:"auth"`
	Chat        ChatConfig      `mapstructure:"chat"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	BasePath        string        `mapstructure:"base_path"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig is the per-IP allowance. TTLMillis keeps the millisecond unit of RATE_LIMIT_TTL.
type RateLimitConfig struct {
	TTLMillis  int `mapstructure:"ttl"`
	Max        int `mapstructure:"max"`
	Completion int `mapstructure:"completion_per_minute"`
	Stream     int `mapstructure:"stream_per_minute"`
	Messages   int `mapstructure:"messages_per_minute"`
}

// PerMinute converts Max requests per TTL into a per-minute rate.
func (r RateLimitConfig) PerMinute() int {
	if r.TTLMillis <= 0 {
		return r.Max
	}
	return int(int64(r.Max) * int64(time.Minute/time.Millisecond) / int64(r.TTLMillis))
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience"`
	JWTLeeway   time.Duration `mapstructure:"jwt_leeway"`
}

type ChatConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// legacyEnv maps configuration keys onto the bare environment names deployments already use.
var legacyEnv = map[string]string{
	"http.port":            "PORT",
	"http.allowed_origins": "ALLOWED_ORIGINS",
	"openai.api_key":       "OPENAI_API_KEY",
	"openai.base_url":      "OPENAI_API_BASE",
	"openai.model":         "OPENAI_MODEL",
	"openai.max_tokens":    "OPENAI_MAX_TOKENS",
	"openai.temperature":   "OPENAI_TEMPERATURE",
	"rate_limit.ttl":       "RATE_LIMIT_TTL",
	"rate_limit.max":       "RATE_LIMIT_MAX",
	"database.url":         "DATABASE_URL",
	"redis.url":            "REDIS_URL",
	"auth.jwt_secret":      "SUPABASE_JWT_SECRET",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("http.port", 3000)
	v.SetDefault("http.base_path", "/api/v1")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4o")
	v.SetDefault("openai.max_tokens", 2000)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.timeout", 60*time.Second)
	v.SetDefault("rate_limit.ttl", 60000)
	v.SetDefault("rate_limit.max", 100)
	v.SetDefault("rate_limit.completion_per_minute", 20)
	v.SetDefault("rate_limit.stream_per_minute", 10)
	v.SetDefault("rate_limit.messages_per_minute", 30)
	v.SetDefault("redis.prefix", "thefolder:ratelimit")
	v.SetDefault("auth.jwt_leeway", 30*time.Second)
	v.SetDefault("chat.timeout", 60*time.Second)
}

// Load reads defaults, then the optional file, then THEFOLDER_* and legacy environment variables.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("THEFOLDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "THEFOLDER_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if file == "" {
		file = v.GetString("config")
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.HTTP.AllowedOrigins = splitOrigins(cfg.HTTP.AllowedOrigins)
	return &cfg, nil
}

// splitOrigins accepts both list values and a single comma separated env value.
func splitOrigins(in []string) []string {
	var out []string
	for _, item := range in {
		for _, o := range strings.Split(item, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func (c *Config) Production() bool { return c.Environment == "production" }

// Validate reports settings the server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if c.OpenAI.Temperature < 0 || c.OpenAI.Temperature > 2 {
		errs = append(errs, fmt.Errorf("openai.temperature %.2f out of range", c.OpenAI.Temperature))
	}
	if c.OpenAI.MaxTokens < 1 || c.OpenAI.MaxTokens > 4000 {
		errs = append(errs, fmt.Errorf("openai.max_tokens %d out of range", c.OpenAI.MaxTokens))
	}
	if c.RateLimit.Max <= 0 {
		errs = append(errs, errors.New("rate_limit.max must be positive"))
	}
	if c.Production() {
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("SUPABASE_JWT_SECRET is required in production"))
		}
	}
	return errors.Join(errs...)
}
