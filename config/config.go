// Package config autoflow 进程的配置, 默认值 → YAML 文件 → AUTOFLOW_ 环境变量
package config

import (
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/blingmoon/autoflow/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const DefaultEnvPrefix = "AUTOFLOW"

var validate = validator.New()

type Config struct {
	Engine   workflow.EngineConfig `yaml:"engine" env:"ENGINE"`
	Redis    RedisConfig           `yaml:"redis" env:"REDIS"`
	Database DatabaseConfig        `yaml:"database" env:"DATABASE"`
	Log      LogConfig             `yaml:"log" env:"LOG"`
	Metrics  MetricsConfig         `yaml:"metrics" env:"METRICS"`
	// 启动时注册的工作流图, json 文件
	Workflows []string `yaml:"workflows" env:"WORKFLOWS"`
}

// RedisConfig Addr 为空时使用进程内队列和本地锁
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB" validate:"gte=0"`
	QueueKey string `yaml:"queue_key" env:"QUEUE_KEY"`
}

type DatabaseConfig struct {
	// sqlite, mysql, postgres
	Driver       string `yaml:"driver" env:"DRIVER" validate:"oneof=sqlite mysql postgres"`
	DSN          string `yaml:"dsn" env:"DSN" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"MAX_OPEN_CONNS" validate:"gte=0"`
	AutoMigrate  bool   `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	// json, text
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=json text"`
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// 为空时不暴露 /metrics
	Addr string `yaml:"addr" env:"ADDR"`
}

func DefaultConfig() *Config {
	return &Config{
		Engine: workflow.DefaultEngineConfig(),
		Redis: RedisConfig{
			QueueKey: "autoflow:tasks",
		},
		Database: DatabaseConfig{
			Driver:      "sqlite",
			DSN:         "autoflow.db",
			AutoMigrate: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Namespace: "autoflow",
		},
	}
}

// Load path 为空或文件不存在时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, DefaultEnvPrefix)
}

func LoadWithEnv(path, envPrefix string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if envPrefix != "" {
		if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), envPrefix); err != nil {
			return nil, errors.WithMessage(err, "load config from env")
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "read config file %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}

// setFieldsFromEnv 按 env tag 拼接变量名, 结构体递归, 例如 AUTOFLOW_ENGINE_WORKER_CONCURRENCY
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag
		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}
		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return errors.Wrapf(err, "set %s", envKey)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.WithMessagef(workflow.ErrWorkflowParamInvalid, "config validate failed, err:%v", err)
	}
	return c.Engine.Validate()
}

// Dialector 按 Driver 选择 gorm 驱动
func (c DatabaseConfig) Dialector() (gorm.Dialector, error) {
	switch c.Driver {
	case "sqlite":
		return sqlite.Open(c.DSN), nil
	case "mysql":
		return mysql.Open(c.DSN), nil
	case "postgres":
		return postgres.Open(c.DSN), nil
	default:
		return nil, errors.Errorf("unsupported database driver %q", c.Driver)
	}
}

// OpenDB 打开数据库, AutoMigrate 为 true 时同步表结构
func (c DatabaseConfig) OpenDB() (*gorm.DB, error) {
	dialector, err := c.Dialector()
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", c.Driver)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql db")
	}
	if c.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.AutoMigrate {
		if err := workflow.AutoMigrate(db); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return db, nil
}

func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

func (c RedisConfig) NewClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Username: c.Username,
		Password: c.Password,
		DB:       c.DB,
	})
}

func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
