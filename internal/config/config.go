package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig 应用基础信息
type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// HTTPConfig 控制面 HTTP 服务配置
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// RetryConfig 传输层重试配置
type RetryConfig struct {
	Attempts    int           `mapstructure:"attempts"`
	BackoffBase time.Duration `mapstructure:"backoffBase"`
	BackoffMax  time.Duration `mapstructure:"backoffMax"`
	JitterMax   time.Duration `mapstructure:"jitterMax"`
}

// BackendConfig 充电后端（REST+SSE）连接配置
type BackendConfig struct {
	BaseURL      string        `mapstructure:"baseUrl"`
	APIKey       string        `mapstructure:"apiKey"`
	BearerToken  string        `mapstructure:"bearerToken"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	RateLimitQPS float64       `mapstructure:"rateLimitQps"`
	RateBurst    int           `mapstructure:"rateBurst"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

// ReconcilerConfig 会话对账引擎配置
type ReconcilerConfig struct {
	// 交易身份解析轮询
	IdentityPollInterval time.Duration `mapstructure:"identityPollInterval"`
	IdentityPollTimeout  time.Duration `mapstructure:"identityPollTimeout"`
	// 启动命令报错后的探测窗口（命令失败但会话可能已建立）
	ErrorProbeTimeout time.Duration `mapstructure:"errorProbeTimeout"`
	// 停止确认轮询
	StopPollInterval time.Duration `mapstructure:"stopPollInterval"`
	StopPollTimeout  time.Duration `mapstructure:"stopPollTimeout"`
	// 稳态刷新
	RefreshInterval time.Duration `mapstructure:"refreshInterval"`
	// 软恢复（Reset）后的等待时间
	ResetGrace time.Duration `mapstructure:"resetGrace"`
	// 是否在解析交易身份前先轮询命令状态（策略开关，默认关闭）
	PollCommandStatus  bool          `mapstructure:"pollCommandStatus"`
	CommandPollTimeout time.Duration `mapstructure:"commandPollTimeout"`
}

// StreamConfig SSE 事件流配置
type StreamConfig struct {
	Enable         bool          `mapstructure:"enable"`
	ReconnectDelay time.Duration `mapstructure:"reconnectDelay"`
}

// CacheConfig 活跃交易持久缓存配置
type CacheConfig struct {
	Driver    string `mapstructure:"driver"` // bolt | redis | memory
	Path      string `mapstructure:"path"`
	RedisAddr string `mapstructure:"redisAddr"`
	RedisDB   int    `mapstructure:"redisDb"`
}

// RegistryConfig 充电桩清单配置
type RegistryConfig struct {
	File string `mapstructure:"file"`
}

// LumberjackConfig 日志滚动（lumberjack）配置
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig 日志级别与输出配置
type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

// MetricsConfig Prometheus 指标暴露配置
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Config 顶层配置结构
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// Load 从 YAML/TOML/JSON 文件与环境变量加载配置。
// 若 path 为空，则尝试从环境变量 CHARGE_CONFIG 读取；否则回退到 configs/example.yaml。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = os.Getenv("CHARGE_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("example")
		v.SetConfigType("yaml")
	}

	// 默认值
	setDefaults(v)

	// 环境变量覆盖：前缀 CHARGE_，并将点号替换为下划线
	v.SetEnvPrefix("CHARGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 首次运行允许缺少配置文件，依赖默认值与环境变量
		var notFound viper.ConfigFileNotFoundError
		if fmt.Sprintf("%T", err) != fmt.Sprintf("%T", notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "charge-agent")
	v.SetDefault("app.env", "dev")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.readTimeout", "5s")
	v.SetDefault("http.writeTimeout", "10s")

	v.SetDefault("backend.baseUrl", "http://localhost:3000")
	v.SetDefault("backend.readTimeout", "10s")
	v.SetDefault("backend.writeTimeout", "15s")
	v.SetDefault("backend.rateLimitQps", 20)
	v.SetDefault("backend.rateBurst", 10)
	v.SetDefault("backend.retry.attempts", 3)
	v.SetDefault("backend.retry.backoffBase", "2s")
	v.SetDefault("backend.retry.backoffMax", "8s")
	v.SetDefault("backend.retry.jitterMax", "300ms")

	v.SetDefault("reconciler.identityPollInterval", "1500ms")
	v.SetDefault("reconciler.identityPollTimeout", "30s")
	v.SetDefault("reconciler.errorProbeTimeout", "15s")
	v.SetDefault("reconciler.stopPollInterval", "2s")
	v.SetDefault("reconciler.stopPollTimeout", "90s")
	v.SetDefault("reconciler.refreshInterval", "3s")
	v.SetDefault("reconciler.resetGrace", "8s")
	v.SetDefault("reconciler.pollCommandStatus", false)
	v.SetDefault("reconciler.commandPollTimeout", "180s")

	v.SetDefault("stream.enable", true)
	v.SetDefault("stream.reconnectDelay", "5s")

	v.SetDefault("cache.driver", "bolt")
	v.SetDefault("cache.path", "data/charge-agent.db")
	v.SetDefault("cache.redisAddr", "localhost:6379")
	v.SetDefault("cache.redisDb", 0)

	v.SetDefault("registry.file", "configs/chargers.yaml")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.filename", "logs/charge-agent.log")
	v.SetDefault("logging.file.maxSize", 100)
	v.SetDefault("logging.file.maxBackups", 7)
	v.SetDefault("logging.file.maxAge", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}
