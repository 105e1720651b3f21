package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	ListenAddr          string          `json:"listenAddr" toml:"listen_addr"`                   // 监听地址
	UploadRoot          string          `json:"uploadRoot" toml:"upload_root"`                   // 上传临时目录
	MaxFileSize         int64           `json:"maxFileSize" toml:"max_file_size"`                // 最大上传文件大小（字节）
	MaxConcurrentTasks  int             `json:"maxConcurrentTasks" toml:"max_concurrent_tasks"`  // 最大并发任务数
	AllowedContentTypes []string        `json:"allowedContentTypes" toml:"allowed_content_types"` // 允许的文件类型
	EngineBinary        string          `json:"engineBinary" toml:"engine_binary"`               // OCR 引擎可执行文件
	EngineArgs          []string        `json:"engineArgs" toml:"engine_args"`                   // OCR 引擎参数
	TaskTimeout         int             `json:"taskTimeout" toml:"task_timeout"`                 // 任务超时（秒）
	KillGrace           int             `json:"killGrace" toml:"kill_grace"`                     // SIGTERM 之后强制 kill 的等待时间（秒）
	ResultGrace         int             `json:"resultGrace" toml:"result_grace"`                 // 结果无人领取时的保留时间（秒）
	LedgerRetention     int             `json:"ledgerRetention" toml:"ledger_retention"`         // 任务结果记录保留时间（秒）
	ProgressBuffer      int             `json:"progressBuffer" toml:"progress_buffer"`           // 每个订阅者的进度缓冲
	LogConfig           LogConfig       `json:"logConfig" toml:"log"`
	Telemetry           TelemetryConfig `json:"telemetry" toml:"telemetry"`
}

type LogConfig struct {
	Level       string `json:"level" toml:"level"`             // 日志级别
	Format      string `json:"format" toml:"format"`           // 日志格式
	MaxSize     int    `json:"maxSize" toml:"max_size"`        // 最大文件大小（MB）
	MaxAge      int    `json:"maxAge" toml:"max_age"`          // 最大文件保留天数
	Compress    bool   `json:"compress" toml:"compress"`       // 是否压缩
	Filename    string `json:"filename" toml:"filename"`       // 日志文件名
	ShowConsole bool   `json:"showConsole" toml:"show_console"` // 是否显示在控制台
}

type TelemetryConfig struct {
	Endpoint    string `json:"endpoint" toml:"endpoint"`
	ServiceName string `json:"serviceName" toml:"service_name"`
	Insecure    bool   `json:"insecure" toml:"insecure"`
}

func Default() *Config {
	return &Config{
		ListenAddr:          ":8000",
		UploadRoot:          defaultUploadRoot(),
		MaxFileSize:         50 << 20,
		MaxConcurrentTasks:  4,
		AllowedContentTypes: []string{"application/pdf"},
		EngineBinary:        defaultEngineBinary,
		EngineArgs:          []string{"-l", "eng+chi_sim", "--rotate-pages"},
		TaskTimeout:         600,
		KillGrace:           10,
		ResultGrace:         300,
		LedgerRetention:     3600,
		ProgressBuffer:      16,
		LogConfig: LogConfig{
			Level:   "info",
			Format:  "console",
			MaxSize: 100,
			MaxAge:  7,
		},
		Telemetry: TelemetryConfig{ServiceName: "ocrgate"},
	}
}

// Load 按 默认值 -> .env -> 配置文件 -> 环境变量 的顺序构造配置
func Load() (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	// godotenv 不会覆盖已经存在的环境变量
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()

	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		if _, err := os.Stat("config.json"); err == nil {
			configFile = "config.json"
		}
	}
	if configFile != "" {
		if err := cfg.LoadFile(configFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile 读取 json 或 toml 配置文件, 文件里没有的字段保持原值
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(b, c)
	default:
		err = json.Unmarshal(b, c)
	}
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	return nil
}

// ApplyEnv 用环境变量覆盖配置, getenv 通常是 os.Getenv
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	seconds := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, err := parseSeconds(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}

	str("OCR_LISTEN_ADDR", &c.ListenAddr)
	str("OCR_UPLOAD_ROOT", &c.UploadRoot)
	str("OCR_ENGINE", &c.EngineBinary)
	if v := strings.TrimSpace(getenv("OCR_MAX_FILE_SIZE")); v != "" {
		n, err := ParseSize(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("OCR_MAX_FILE_SIZE: %v", err))
		} else {
			c.MaxFileSize = n
		}
	}
	if v := strings.TrimSpace(getenv("OCR_ARGS")); v != "" {
		c.EngineArgs = strings.Fields(v)
	}
	if v := strings.TrimSpace(getenv("OCR_ALLOWED_TYPES")); v != "" {
		c.AllowedContentTypes = splitList(v)
	}
	integer("OCR_MAX_CONCURRENT_TASKS", &c.MaxConcurrentTasks)
	integer("OCR_PROGRESS_BUFFER", &c.ProgressBuffer)
	seconds("OCR_TASK_TIMEOUT", &c.TaskTimeout)
	seconds("OCR_KILL_GRACE", &c.KillGrace)
	seconds("OCR_RESULT_GRACE", &c.ResultGrace)
	seconds("OCR_LEDGER_RETENTION", &c.LedgerRetention)

	str("LOG_LEVEL", &c.LogConfig.Level)
	str("LOG_FORMAT", &c.LogConfig.Format)
	str("LOG_FILE", &c.LogConfig.Filename)
	boolean("LOG_CONSOLE", &c.LogConfig.ShowConsole)

	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	str("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.UploadRoot == "":
		return fmt.Errorf("%w: upload root is empty", ErrInvalid)
	case c.MaxFileSize <= 0:
		return fmt.Errorf("%w: max file size must be positive", ErrInvalid)
	case c.MaxConcurrentTasks <= 0:
		return fmt.Errorf("%w: max concurrent tasks must be positive", ErrInvalid)
	case c.EngineBinary == "":
		return fmt.Errorf("%w: engine binary is empty", ErrInvalid)
	case len(c.AllowedContentTypes) == 0:
		return fmt.Errorf("%w: no allowed content types", ErrInvalid)
	case c.TaskTimeout <= 0:
		return fmt.Errorf("%w: task timeout must be positive", ErrInvalid)
	case c.KillGrace <= 0 || c.ResultGrace <= 0 || c.LedgerRetention <= 0:
		return fmt.Errorf("%w: grace periods must be positive", ErrInvalid)
	case c.ProgressBuffer <= 0:
		return fmt.Errorf("%w: progress buffer must be positive", ErrInvalid)
	}
	return nil
}

func (c *Config) TaskTimeoutDuration() time.Duration { return time.Duration(c.TaskTimeout) * time.Second }
func (c *Config) KillGraceDuration() time.Duration   { return time.Duration(c.KillGrace) * time.Second }
func (c *Config) ResultGraceDuration() time.Duration { return time.Duration(c.ResultGrace) * time.Second }
func (c *Config) LedgerRetentionDuration() time.Duration {
	return time.Duration(c.LedgerRetention) * time.Second
}

// ParseSize 解析 "52428800", "50MB", "512KB" 这样的大小
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			mult = u.mult
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	if n > math.MaxInt64/mult {
		return 0, fmt.Errorf("size %s overflows int64", s)
	}
	return n * mult, nil
}

// parseSeconds 接受整数秒或者 time.ParseDuration 格式
func parseSeconds(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return int(d / time.Second), nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
