package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// 目录存储驱动。
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// 抓取方式。
const (
	FetcherBrowser = "browser"
	FetcherHTTP    = "http"
)

// Config 保存应用程序配置。
type Config struct {
	App       AppConfig       `json:"app" yaml:"app"`
	Catalog   CatalogConfig   `json:"catalog" yaml:"catalog"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Browser   BrowserConfig   `json:"browser" yaml:"browser"`
	Sync      SyncConfig      `json:"sync" yaml:"sync"`
	Sources   []SourceConfig  `json:"sources" yaml:"sources"`
	Refresher RefresherConfig `json:"refresher" yaml:"refresher"`
	Email     EmailConfig     `json:"email" yaml:"email"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env       string `json:"env" yaml:"env"`               // 运行环境: local / prod
	LogLevel  string `json:"log_level" yaml:"log_level"`   // 日志级别: debug / info / warn / error
	LogFormat string `json:"log_format" yaml:"log_format"` // 日志格式: json / text
	OpsAddr   string `json:"ops_addr" yaml:"ops_addr"`     // 健康检查与 metrics 监听地址
}

// CatalogConfig 目录存储配置。
type CatalogConfig struct {
	Driver      string `json:"driver" yaml:"driver"`             // mysql / postgres / memory
	DSN         string `json:"dsn" yaml:"dsn"`                   // 数据库连接字符串
	AutoMigrate bool   `json:"auto_migrate" yaml:"auto_migrate"` // 启动时执行 AutoMigrate
}

// RedisConfig Redis 配置。Addr 为空时禁用分布式限流、租约与 Stream 队列。
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`         // Redis 地址 (host:port)
	Password string `json:"password" yaml:"password"` // Redis 密码
}

// BrowserConfig 无头浏览器配置。
type BrowserConfig struct {
	BinPath  string `json:"bin_path" yaml:"bin_path"`   // 浏览器可执行文件路径
	ProxyURL string `json:"proxy_url" yaml:"proxy_url"` // 代理服务器 URL
	Headless bool   `json:"headless" yaml:"headless"`   // 是否使用无头模式
}

// SyncConfig 同步编排配置。
type SyncConfig struct {
	FreshnessWindow time.Duration `json:"freshness_window" yaml:"freshness_window"` // 缓存可信窗口（如 "24h"）
	QueryTimeout    time.Duration `json:"query_timeout" yaml:"query_timeout"`       // 单次 Sync 最长耗时
	LeaseTTL        time.Duration `json:"lease_ttl" yaml:"lease_ttl"`               // 跨实例同步租约有效期
}

// SourceConfig 单个来源的抓取配置。
type SourceConfig struct {
	Name        string        `json:"name" yaml:"name"`                 // 来源名称（注册表键）
	Enabled     bool          `json:"enabled" yaml:"enabled"`           // 是否启用
	Fetcher     string        `json:"fetcher" yaml:"fetcher"`           // browser / http
	BaseURL     string        `json:"base_url" yaml:"base_url"`         // 覆盖适配器默认站点地址
	MinInterval time.Duration `json:"min_interval" yaml:"min_interval"` // 两次请求最小间隔
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`           // 单次请求超时
	MaxRetries  int           `json:"max_retries" yaml:"max_retries"`   // 临时错误最大重试次数
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"` // 指数退避基数
	BackoffMax  time.Duration `json:"backoff_max" yaml:"backoff_max"`   // 退避上限
	MaxResults  int           `json:"max_results" yaml:"max_results"`   // 每次搜索保留的最大结果数
	DetailLimit int           `json:"detail_limit" yaml:"detail_limit"` // 每次同步最多补抓的详情页数（0 表示不抓）
	RateLimit   float64       `json:"rate_limit" yaml:"rate_limit"`     // 分布式限流速率（token/s，0 表示关闭）
	RateBurst   float64       `json:"rate_burst" yaml:"rate_burst"`     // 分布式限流桶容量
}

// RefresherConfig 收藏搜索定时刷新与异步请求消费配置。
type RefresherConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`               // 是否启用定时刷新
	Schedule      string `json:"schedule" yaml:"schedule"`             // cron 表达式（如 "@every 6h"）
	Workers       int    `json:"workers" yaml:"workers"`               // worker 数量
	QueueCapacity int    `json:"queue_capacity" yaml:"queue_capacity"` // 队列容量
	EnableStream  bool   `json:"enable_stream" yaml:"enable_stream"`   // 是否消费 Redis Stream 同步请求
	Stream        string `json:"stream" yaml:"stream"`                 // Stream 名称
	Group         string `json:"group" yaml:"group"`                   // Consumer Group 名称
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host" yaml:"smtp_host"`
	SMTPPort  int    `json:"smtp_port" yaml:"smtp_port"`
	SMTPUser  string `json:"smtp_user" yaml:"smtp_user"`
	SMTPPass  string `json:"smtp_pass" yaml:"smtp_pass"`
	FromEmail string `json:"from_email" yaml:"from_email"`
}

// Load 从配置文件加载配置。
//
// 支持 JSON（默认 configs/config.json）和 YAML（扩展名 .yaml / .yml）。
// 文件不存在时使用默认值；任何情况下环境变量都会覆盖文件中的值。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置是否可用。
func (c *Config) Validate() error {
	switch c.Catalog.Driver {
	case DriverMemory:
	case DriverMySQL:
		if _, err := mysql.ParseDSN(c.Catalog.DSN); err != nil {
			return fmt.Errorf("invalid mysql dsn: %w", err)
		}
	case DriverPostgres:
		if _, err := pgx.ParseConfig(c.Catalog.DSN); err != nil {
			return fmt.Errorf("invalid postgres dsn: %w", err)
		}
	default:
		return fmt.Errorf("unknown catalog driver %q", c.Catalog.Driver)
	}
	if c.Sync.FreshnessWindow <= 0 {
		return fmt.Errorf("sync.freshness_window must be positive")
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("source name is empty")
		}
		if seen[src.Name] {
			return fmt.Errorf("duplicate source %q", src.Name)
		}
		seen[src.Name] = true
		if src.Fetcher != FetcherBrowser && src.Fetcher != FetcherHTTP {
			return fmt.Errorf("source %s: unknown fetcher %q", src.Name, src.Fetcher)
		}
	}
	return nil
}

// EnabledSources 返回启用的来源配置。
func (c *Config) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(c.Sources))
	for _, src := range c.Sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	return out
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:       "local",
			LogLevel:  "info",
			LogFormat: "json",
			OpsAddr:   ":2112",
		},
		Catalog: CatalogConfig{
			Driver:      DriverMySQL,
			DSN:         "root:password@tcp(localhost:3306)/pricesync?parseTime=true&loc=UTC",
			AutoMigrate: true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Browser: BrowserConfig{
			Headless: true,
		},
		Sync: SyncConfig{
			FreshnessWindow: 24 * time.Hour,
			QueryTimeout:    90 * time.Second,
			LeaseTTL:        2 * time.Minute,
		},
		Sources: []SourceConfig{
			defaultSource("amazon"),
			defaultSource("flipkart"),
		},
		Refresher: RefresherConfig{
			Enabled:       true,
			Schedule:      "@every 6h",
			Workers:       2,
			QueueCapacity: 100,
			EnableStream:  false,
			Stream:        "pricesync:sync:requests",
			Group:         "syncer_group",
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
	}
}

func defaultSource(name string) SourceConfig {
	return SourceConfig{
		Name:        name,
		Enabled:     true,
		Fetcher:     FetcherBrowser,
		MinInterval: 3 * time.Second,
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Second,
		BackoffMax:  15 * time.Second,
		MaxResults:  10,
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.LogFormat == "" {
		cfg.App.LogFormat = defaults.App.LogFormat
	}
	if cfg.App.OpsAddr == "" {
		cfg.App.OpsAddr = defaults.App.OpsAddr
	}
	if cfg.Catalog.Driver == "" {
		cfg.Catalog.Driver = defaults.Catalog.Driver
	}
	if cfg.Catalog.DSN == "" && cfg.Catalog.Driver == DriverMySQL {
		cfg.Catalog.DSN = defaults.Catalog.DSN
	}
	if cfg.Sync.FreshnessWindow == 0 {
		cfg.Sync.FreshnessWindow = defaults.Sync.FreshnessWindow
	}
	if cfg.Sync.QueryTimeout == 0 {
		cfg.Sync.QueryTimeout = defaults.Sync.QueryTimeout
	}
	if cfg.Sync.LeaseTTL == 0 {
		cfg.Sync.LeaseTTL = defaults.Sync.LeaseTTL
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = defaults.Sources
	}
	for i := range cfg.Sources {
		applySourceDefaults(&cfg.Sources[i])
	}
	if cfg.Refresher.Schedule == "" {
		cfg.Refresher.Schedule = defaults.Refresher.Schedule
	}
	if cfg.Refresher.Workers == 0 {
		cfg.Refresher.Workers = defaults.Refresher.Workers
	}
	if cfg.Refresher.QueueCapacity == 0 {
		cfg.Refresher.QueueCapacity = defaults.Refresher.QueueCapacity
	}
	if cfg.Refresher.Stream == "" {
		cfg.Refresher.Stream = defaults.Refresher.Stream
	}
	if cfg.Refresher.Group == "" {
		cfg.Refresher.Group = defaults.Refresher.Group
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applySourceDefaults(src *SourceConfig) {
	def := defaultSource(src.Name)
	if src.Fetcher == "" {
		src.Fetcher = def.Fetcher
	}
	if src.MinInterval == 0 {
		src.MinInterval = def.MinInterval
	}
	if src.Timeout == 0 {
		src.Timeout = def.Timeout
	}
	if src.MaxRetries == 0 {
		src.MaxRetries = def.MaxRetries
	}
	if src.BackoffBase == 0 {
		src.BackoffBase = def.BackoffBase
	}
	if src.BackoffMax == 0 {
		src.BackoffMax = def.BackoffMax
	}
	if src.MaxResults == 0 {
		src.MaxResults = def.MaxResults
	}
}

// envReader 通过 viper 读取环境变量，空值视为未设置，无法解析的值被忽略。
type envReader struct {
	v *viper.Viper
}

func newEnvReader() envReader {
	v := viper.New()
	v.AutomaticEnv()
	return envReader{v: v}
}

func (e envReader) lookup(key string) (string, bool) {
	s := strings.TrimSpace(e.v.GetString(key))
	return s, s != ""
}

func (e envReader) str(key string, dst *string) {
	if s, ok := e.lookup(key); ok {
		*dst = s
	}
}

func (e envReader) flag(key string, dst *bool) {
	if s, ok := e.lookup(key); ok {
		if b, err := strconv.ParseBool(s); err == nil {
			*dst = b
		}
	}
}

func (e envReader) number(key string, dst *int) {
	if s, ok := e.lookup(key); ok {
		if n, err := strconv.Atoi(s); err == nil {
			*dst = n
		}
	}
}

func (e envReader) duration(key string, dst *time.Duration) {
	if s, ok := e.lookup(key); ok {
		if d, err := time.ParseDuration(s); err == nil {
			*dst = d
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	env := newEnvReader()

	env.str("APP_ENV", &cfg.App.Env)
	env.str("APP_LOG_LEVEL", &cfg.App.LogLevel)
	env.str("APP_LOG_FORMAT", &cfg.App.LogFormat)
	env.str("APP_OPS_ADDR", &cfg.App.OpsAddr)

	env.str("CATALOG_DRIVER", &cfg.Catalog.Driver)
	env.flag("CATALOG_AUTO_MIGRATE", &cfg.Catalog.AutoMigrate)
	if dsn, ok := env.lookup("DB_DSN"); ok {
		cfg.Catalog.DSN = dsn
	} else if cfg.Catalog.Driver == DriverMySQL {
		cfg.Catalog.DSN = mysqlDSNFromEnv(env, cfg.Catalog.DSN)
	}

	env.str("REDIS_ADDR", &cfg.Redis.Addr)
	env.str("REDIS_PASSWORD", &cfg.Redis.Password)

	env.str("CHROME_BIN", &cfg.Browser.BinPath)
	env.str("BROWSER_PROXY_URL", &cfg.Browser.ProxyURL)
	env.str("HTTP_PROXY", &cfg.Browser.ProxyURL)
	env.flag("BROWSER_HEADLESS", &cfg.Browser.Headless)

	env.duration("SYNC_FRESHNESS_WINDOW", &cfg.Sync.FreshnessWindow)
	env.duration("SYNC_QUERY_TIMEOUT", &cfg.Sync.QueryTimeout)
	env.duration("SYNC_LEASE_TTL", &cfg.Sync.LeaseTTL)

	// 按来源覆盖，例如 SOURCE_AMAZON_ENABLED=false
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		prefix := "SOURCE_" + strings.ToUpper(src.Name) + "_"
		env.flag(prefix+"ENABLED", &src.Enabled)
		env.str(prefix+"FETCHER", &src.Fetcher)
		env.str(prefix+"BASE_URL", &src.BaseURL)
		env.duration(prefix+"MIN_INTERVAL", &src.MinInterval)
		env.number(prefix+"DETAIL_LIMIT", &src.DetailLimit)
	}

	env.flag("REFRESHER_ENABLED", &cfg.Refresher.Enabled)
	env.str("REFRESHER_SCHEDULE", &cfg.Refresher.Schedule)
	env.number("REFRESHER_WORKERS", &cfg.Refresher.Workers)
	env.flag("REFRESHER_ENABLE_STREAM", &cfg.Refresher.EnableStream)

	env.str("SMTP_HOST", &cfg.Email.SMTPHost)
	env.number("SMTP_PORT", &cfg.Email.SMTPPort)
	env.str("SMTP_USER", &cfg.Email.SMTPUser)
	env.str("SMTP_PASS", &cfg.Email.SMTPPass)
	env.str("SMTP_FROM", &cfg.Email.FromEmail)
}

// mysqlDSNFromEnv 用 DB_HOST / DB_PORT / DB_USER / DB_PASSWORD / DB_NAME 改写 MySQL DSN 中对应的部分。
func mysqlDSNFromEnv(env envReader, dsn string) string {
	host, hostSet := env.lookup("DB_HOST")
	port, portSet := env.lookup("DB_PORT")
	user, userSet := env.lookup("DB_USER")
	pass, passSet := env.lookup("DB_PASSWORD")
	name, nameSet := env.lookup("DB_NAME")
	if !hostSet && !portSet && !userSet && !passSet && !nameSet {
		return dsn
	}

	mc, err := mysql.ParseDSN(dsn)
	if err != nil || dsn == "" {
		mc = mysql.NewConfig()
		mc.Net = "tcp"
		mc.User = "root"
		mc.Addr = "localhost:3306"
		mc.DBName = "pricesync"
		mc.ParseTime = true
	}

	curHost, curPort, err := net.SplitHostPort(mc.Addr)
	if err != nil {
		curHost, curPort = mc.Addr, "3306"
	}
	if hostSet {
		curHost = host
	}
	if portSet {
		curPort = port
	}
	mc.Addr = net.JoinHostPort(curHost, curPort)
	if userSet {
		mc.User = user
	}
	if passSet {
		mc.Passwd = pass
	}
	if nameSet {
		mc.DBName = name
	}
	return mc.FormatDSN()
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (s *SyncConfig) UnmarshalJSON(data []byte) error {
	type Alias SyncConfig
	aux := &struct {
		FreshnessWindow string `json:"freshness_window"`
		QueryTimeout    string `json:"query_timeout"`
		LeaseTTL        string `json:"lease_ttl"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if s.FreshnessWindow, err = parseDurationField("freshness_window", aux.FreshnessWindow, s.FreshnessWindow); err != nil {
		return err
	}
	if s.QueryTimeout, err = parseDurationField("query_timeout", aux.QueryTimeout, s.QueryTimeout); err != nil {
		return err
	}
	if s.LeaseTTL, err = parseDurationField("lease_ttl", aux.LeaseTTL, s.LeaseTTL); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (s *SourceConfig) UnmarshalJSON(data []byte) error {
	type Alias SourceConfig
	aux := &struct {
		MinInterval string `json:"min_interval"`
		Timeout     string `json:"timeout"`
		BackoffBase string `json:"backoff_base"`
		BackoffMax  string `json:"backoff_max"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	var err error
	if s.MinInterval, err = parseDurationField("min_interval", aux.MinInterval, s.MinInterval); err != nil {
		return err
	}
	if s.Timeout, err = parseDurationField("timeout", aux.Timeout, s.Timeout); err != nil {
		return err
	}
	if s.BackoffBase, err = parseDurationField("backoff_base", aux.BackoffBase, s.BackoffBase); err != nil {
		return err
	}
	if s.BackoffMax, err = parseDurationField("backoff_max", aux.BackoffMax, s.BackoffMax); err != nil {
		return err
	}
	return nil
}

func parseDurationField(name, raw string, current time.Duration) (time.Duration, error) {
	if raw == "" {
		return current, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s format: %w", name, err)
	}
	return d, nil
}
