package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/z-profile/backend/internal/model/profile"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	AI        AIConfig
	RateLimit RateLimitConfig
	WebSocket WebSocketConfig
	Auth      AuthConfig
	Profile   ProfileConfig
	Log       LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	rateLimit, err := loadRateLimitConfig()
	if err != nil {
		return nil, err
	}

	ws, err := loadWebSocketConfig()
	if err != nil {
		return nil, err
	}

	prof, err := loadProfileConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		AI:        ai,
		RateLimit: rateLimit,
		WebSocket: ws,
		Auth:      AuthConfig{APIKeys: splitList(os.Getenv("AUTH_API_KEYS"))},
		Profile:   prof,
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "console"),
		},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY + ARK_MODEL or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}, nil
}

// RateLimitConfig 描述令牌桶限流配置：每 Per 时间发放 Rate 个令牌，桶容量为 Burst。
type RateLimitConfig struct {
	Rate    float64
	Per     time.Duration
	Burst   int
	Trusted []string
	IdleTTL time.Duration
}

func loadRateLimitConfig() (RateLimitConfig, error) {
	cfg := RateLimitConfig{
		Rate:    10,
		Per:     time.Second,
		Burst:   20,
		Trusted: splitList(os.Getenv("RATE_LIMIT_TRUSTED")),
		IdleTTL: 10 * time.Minute,
	}

	rate, err := parseOptionalFloatEnv("RATE_LIMIT_RATE")
	if err != nil {
		return RateLimitConfig{}, err
	}
	if rate != nil {
		cfg.Rate = *rate
	}

	if cfg.Per, err = parseDurationEnv("RATE_LIMIT_PER", cfg.Per); err != nil {
		return RateLimitConfig{}, err
	}

	burst, err := parseOptionalIntEnv("RATE_LIMIT_BURST")
	if err != nil {
		return RateLimitConfig{}, err
	}
	if burst != nil {
		cfg.Burst = *burst
	}

	if cfg.IdleTTL, err = parseDurationEnv("RATE_LIMIT_IDLE_TTL", cfg.IdleTTL); err != nil {
		return RateLimitConfig{}, err
	}

	if cfg.Rate <= 0 || cfg.Per <= 0 || cfg.Burst < 1 {
		return RateLimitConfig{}, fmt.Errorf("invalid rate limit: rate=%v per=%s burst=%d", cfg.Rate, cfg.Per, cfg.Burst)
	}
	return cfg, nil
}

// WebSocketConfig 描述实时连接的超时与缓冲配置。
type WebSocketConfig struct {
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	MailboxSize  int
}

func loadWebSocketConfig() (WebSocketConfig, error) {
	cfg := WebSocketConfig{
		ReadTimeout:  60 * time.Second,
		PingTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		MailboxSize:  32,
	}

	var err error
	if cfg.ReadTimeout, err = parseDurationEnv("WS_READ_TIMEOUT", cfg.ReadTimeout); err != nil {
		return WebSocketConfig{}, err
	}
	if cfg.PingTimeout, err = parseDurationEnv("WS_PING_TIMEOUT", cfg.PingTimeout); err != nil {
		return WebSocketConfig{}, err
	}
	if cfg.WriteTimeout, err = parseDurationEnv("WS_WRITE_TIMEOUT", cfg.WriteTimeout); err != nil {
		return WebSocketConfig{}, err
	}

	size, err := parseOptionalIntEnv("SESSION_MAILBOX_SIZE")
	if err != nil {
		return WebSocketConfig{}, err
	}
	if size != nil {
		if *size < 1 {
			cfg.MailboxSize = 1
		} else {
			cfg.MailboxSize = *size
		}
	}
	return cfg, nil
}

// AuthConfig 描述连接凭证校验。APIKeys 为空时接受任意非空凭证。
type AuthConfig struct {
	APIKeys []string
}

// ProfileConfig 描述画像构建的章节目录。
type ProfileConfig struct {
	Sections []profile.SectionSpec
}

// Catalog 返回配置对应的章节目录。
func (c ProfileConfig) Catalog() profile.Catalog {
	return profile.NewCatalog(c.Sections)
}

type sectionsFile struct {
	Sections []profile.SectionSpec `yaml:"sections"`
}

func loadProfileConfig() (ProfileConfig, error) {
	if path := strings.TrimSpace(os.Getenv("PROFILE_SECTIONS_FILE")); path != "" {
		return LoadSectionsFile(path)
	}

	names := splitList(os.Getenv("PROFILE_SECTIONS"))
	if len(names) == 0 {
		names = profile.DefaultSections
	}
	specs := make([]profile.SectionSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, profile.SectionSpec{Name: name})
	}
	return ProfileConfig{Sections: specs}, nil
}

// LoadSectionsFile 从 YAML 文件读取章节目录。
func LoadSectionsFile(path string) (ProfileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ProfileConfig{}, fmt.Errorf("read sections file: %w", err)
	}

	var file sectionsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return ProfileConfig{}, fmt.Errorf("parse sections file %s: %w", path, err)
	}
	if len(file.Sections) == 0 {
		return ProfileConfig{}, fmt.Errorf("sections file %s defines no sections", path)
	}
	return ProfileConfig{Sections: file.Sections}, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	// 纯数字按秒处理。
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
