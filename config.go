package opcache

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/drone/envsubst"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config 是 opcache 的完整配置。
type Config struct {
	ArtifactPath string       `yaml:"artifact_path"`
	LogLevel     string       `yaml:"log_level"`
	LogFormat    string       `yaml:"log_format"`
	Pool         PoolConfig   `yaml:"pool"`
	Warmer       WarmerConfig `yaml:"warmer"`
}

// RegisterFlagsAndApplyDefaults 注册命令行参数并填充默认值。
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ArtifactPath, prefixed(prefix, "artifact-path"), "var/cache/opcache.bin", "Path of the fast tier artifact.")
	f.StringVar(&cfg.LogLevel, prefixed(prefix, "log.level"), "info", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
	f.StringVar(&cfg.LogFormat, prefixed(prefix, "log.format"), "logfmt", "Output log messages in the given format. Valid formats: [logfmt, json]")

	cfg.Pool.RegisterFlagsAndApplyDefaults(prefixed(prefix, "pool"), f)
	cfg.Warmer.RegisterFlagsAndApplyDefaults(prefixed(prefix, "warmer"), f)
}

// Validate 检查配置是否合法。
func (cfg *Config) Validate() error {
	if cfg.ArtifactPath == "" {
		return errors.New("artifact path is required")
	}
	if _, err := levelOption(cfg.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "", "logfmt", "json":
	default:
		return fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	if err := cfg.Pool.Validate(); err != nil {
		return fmt.Errorf("invalid pool config: %w", err)
	}
	if err := cfg.Warmer.Validate(); err != nil {
		return fmt.Errorf("invalid warmer config: %w", err)
	}
	return nil
}

// LoadConfig 读取 YAML 配置文件覆盖 cfg 中已有的值。
// expandEnv 为 true 时先展开文件中的 ${VAR} 环境变量。
func LoadConfig(cfg *Config, path string, expandEnv bool) error {
	buff, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if expandEnv {
		s, err := envsubst.EvalEnv(string(buff))
		if err != nil {
			return fmt.Errorf("failed to expand env vars from config file %s: %w", path, err)
		}
		buff = []byte(s)
	}

	dec := yaml.NewDecoder(bytes.NewReader(buff))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// 回退池后端
const (
	BackendMemory = "memory"
	BackendNull   = "null"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

type PoolConfig struct {
	Backend string       `yaml:"backend"`
	Redis   RedisConfig  `yaml:"redis"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

func (cfg *PoolConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefixed(prefix, "backend"), BackendMemory, "Fallback pool backend. Valid backends: [memory, null, redis, sqlite]")
	f.StringVar(&cfg.Redis.Addr, prefixed(prefix, "redis.addr"), "localhost:6379", "Redis address of the fallback pool.")
	f.StringVar(&cfg.Redis.Password, prefixed(prefix, "redis.password"), "", "Redis password.")
	f.IntVar(&cfg.Redis.DB, prefixed(prefix, "redis.db"), 0, "Redis database.")
	f.StringVar(&cfg.Redis.Prefix, prefixed(prefix, "redis.prefix"), DefaultPrefix, "Prefix of every redis key.")
	f.StringVar(&cfg.SQLite.Path, prefixed(prefix, "sqlite.path"), "var/cache/opcache.db", "SQLite database file of the fallback pool.")
}

func (cfg *PoolConfig) Validate() error {
	switch cfg.Backend {
	case BackendMemory, BackendNull:
	case BackendRedis:
		if cfg.Redis.Addr == "" {
			return errors.New("redis address is required")
		}
	case BackendSQLite:
		if cfg.SQLite.Path == "" {
			return errors.New("sqlite path is required")
		}
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return nil
}

// NewPool 根据配置创建回退池，返回的 close 用于释放连接。
func NewPool(ctx context.Context, cfg PoolConfig) (Pool, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryPool(), noop, nil
	case BackendNull:
		return NullPool{}, noop, nil
	case BackendRedis:
		if cfg.Redis.Prefix != "" {
			SetPrefix(cfg.Redis.Prefix)
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect redis %s failed: %w", cfg.Redis.Addr, err)
		}
		return NewRedisPool(rdb), rdb.Close, nil
	case BackendSQLite:
		p, err := OpenSQLitePool(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// WarmerConfig 控制一次预热的并发、时间预算与重试。
type WarmerConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	ResolveTimeout time.Duration `yaml:"resolve_timeout"`
	CommitAttempts uint          `yaml:"commit_attempts"`
	CommitBackoff  time.Duration `yaml:"commit_backoff"`
	TestMarkers    []string      `yaml:"test_markers"`
	// KnownListFile 相对于 outputDir；为空表示不使用已知列表
	KnownListFile string `yaml:"known_list_file"`
}

const (
	defaultConcurrency    = 8
	defaultResolveTimeout = 30 * time.Second
	defaultCommitAttempts = 3
	defaultCommitBackoff  = 200 * time.Millisecond
)

func (cfg *WarmerConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.Concurrency, prefixed(prefix, "concurrency"), defaultConcurrency, "Number of entities resolved in parallel.")
	f.DurationVar(&cfg.ResolveTimeout, prefixed(prefix, "resolve-timeout"), defaultResolveTimeout, "Time budget of a single key resolution. 0 disables the budget.")
	f.UintVar(&cfg.CommitAttempts, prefixed(prefix, "commit-attempts"), defaultCommitAttempts, "Attempts to mirror the snapshot into the fallback pool.")
	f.DurationVar(&cfg.CommitBackoff, prefixed(prefix, "commit-backoff"), defaultCommitBackoff, "Initial delay between mirror attempts.")
	f.StringVar(&cfg.KnownListFile, prefixed(prefix, "known-list-file"), "", "YAML list of known entities, relative to the output directory.")

	cfg.TestMarkers = append([]string(nil), DefaultTestMarkers...)
	f.Var((*stringSlice)(&cfg.TestMarkers), prefixed(prefix, "test-markers"), "Comma separated name fragments marking test doubles.")
}

func (cfg *WarmerConfig) Validate() error {
	if cfg.Concurrency < 0 {
		return errors.New("concurrency must not be negative")
	}
	if cfg.ResolveTimeout < 0 {
		return errors.New("resolve timeout must not be negative")
	}
	if cfg.CommitBackoff < 0 {
		return errors.New("commit backoff must not be negative")
	}
	return nil
}

// applyDefaults 填充未设置的字段（直接构造 WarmerConfig 时）。
func (cfg *WarmerConfig) applyDefaults() {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.CommitAttempts == 0 {
		cfg.CommitAttempts = 1
	}
	if cfg.TestMarkers == nil {
		cfg.TestMarkers = DefaultTestMarkers
	}
}

func prefixed(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// stringSlice 是逗号分隔的 flag.Value。
type stringSlice []string

func (s *stringSlice) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(v string) error {
	*s = nil
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}
