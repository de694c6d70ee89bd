package config

import (
	"encoding/json"
	stdErrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"X402-Agent/internal/auth"
	xerrors "X402-Agent/internal/errors"
	"X402-Agent/internal/llm/openai"
	"X402-Agent/internal/storage/mysql"
	"X402-Agent/internal/task"
	"X402-Agent/pkg/logger"
)

const (
	// EnvConfigPath 指定配置文件路径的环境变量。
	EnvConfigPath     = "X402_CONFIG"
	defaultConfigPath = "configs/x402.json"
	defaultKeyEnv     = "X402_PRIVATE_KEY"
)

// Duration 支持在 JSON 中以 "2s"、"500ms" 形式书写时长，也接受纳秒整数。
type Duration time.Duration

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return xerrors.New(xerrors.CodeInvalidInput, "无法解析时长: "+string(data))
	}
	return nil
}

// MarshalJSON 以字符串形式输出时长。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std 返回 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config 描述了 x402 守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     auth.Config    `json:"auth"`
	Chains   ChainsConfig   `json:"chains"`
	Wallet   WalletConfig   `json:"wallet"`
	Agents   []AgentConfig  `json:"agents"`
	Payments PaymentsConfig `json:"payments"`
	Swarm    SwarmConfig    `json:"swarm"`
	Tools    ToolsConfig    `json:"tools"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	LLM      LLMConfig      `json:"llm"`
	Alerting AlertingConfig `json:"alerting"`
	Logging  logger.Config  `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string   `json:"address"`
	AllowedOrigins  []string `json:"allowed_origins"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// ChainsConfig 指向链定义 YAML 文件。
type ChainsConfig struct {
	Path string `json:"path"`
}

// WalletConfig 是代理钱包的默认值，私钥从 PrivateKeyEnv 指定的环境变量读取。
type WalletConfig struct {
	Network       string `json:"network"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// AgentConfig 描述蜂群中的一个代理。未填写的钱包字段沿用 WalletConfig。
type AgentConfig struct {
	ID            string `json:"id"`
	Network       string `json:"network"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// PrivateKey 从环境变量读取代理私钥。
func (a AgentConfig) PrivateKey() (string, error) {
	key := strings.TrimSpace(os.Getenv(a.PrivateKeyEnv))
	if key == "" {
		return "", xerrors.New(xerrors.CodeInvalidInput, "未设置钱包私钥",
			xerrors.WithMetadata("agent_id", a.ID),
			xerrors.WithMetadata("env", a.PrivateKeyEnv))
	}
	return key, nil
}

// PaymentsConfig 对应付款处理器的参数。
type PaymentsConfig struct {
	DeferredThreshold int      `json:"deferred_threshold"`
	ReplayRetries     int      `json:"replay_retries"`
	ReplayBackoff     Duration `json:"replay_backoff"`
	ConfirmDelay      Duration `json:"confirm_delay"`
}

// SwarmConfig 对应蜂群参数，金额以字符串书写。
type SwarmConfig struct {
	ID            string `json:"id"`
	SharedWallet  bool   `json:"shared_wallet"`
	CostSplitting string `json:"cost_splitting"`
	MaxAgents     int    `json:"max_agents"`
	MaxRetries    int    `json:"max_retries"`
	RecoveryFloor string `json:"recovery_floor"`
	DonorFloor    string `json:"donor_floor"`
	RecoveryTopUp string `json:"recovery_top_up"`
}

// ToolsConfig 描述工具目录的初始内容。
type ToolsConfig struct {
	Catalog string `json:"catalog"`
}

// StorageConfig 选择付款审计、工具目录与协作任务的存储后端。
type StorageConfig struct {
	Driver string       `json:"driver"`
	MySQL  mysql.Config `json:"mysql"`
}

// QueueConfig 选择协作任务队列。
type QueueConfig struct {
	Driver     string                `json:"driver"`
	Size       int                   `json:"size"`
	Workers    int                   `json:"workers"`
	MaxRetries int                   `json:"max_retries"`
	Redis      task.RedisQueueConfig `json:"redis"`
	RabbitMQ   task.RabbitMQConfig   `json:"rabbitmq"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider  string        `json:"provider"`
	APIKeyEnv string        `json:"api_key_env"`
	Timeout   Duration      `json:"timeout"`
	OpenAI    openai.Config `json:"openai"`
}

// AlertingConfig 配置告警渠道，日志渠道始终启用。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
	SlackURL   string `json:"slack_url"`
}

// LoadFromEnv 读取 X402_CONFIG 指定的配置文件，未设置时使用 configs/x402.json。
func LoadFromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigPath))
	if path == "" {
		path = defaultConfigPath
	}
	return Load(path)
}

// Load 解析指定路径的 JSON 配置文件。配置目录与工作目录下的 .env 会先被加载，
// 已存在的环境变量不会被覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidInput, "配置文件路径为空")
	}
	baseDir := filepath.Dir(path)
	if err := loadDotEnv(filepath.Join(baseDir, ".env"), ".env"); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败", xerrors.WithMetadata("path", path))
	}
	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidInput, err, "解析配置失败", xerrors.WithMetadata("path", path))
	}
	cfg.applyDefaults(baseDir)
	return &cfg, nil
}

func loadDotEnv(paths ...string) error {
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err == nil {
			if _, dup := seen[abs]; dup {
				continue
			}
			seen[abs] = struct{}{}
		}
		if err := godotenv.Load(p); err != nil {
			if stdErrors.Is(err, fs.ErrNotExist) {
				continue
			}
			return xerrors.Wrap(xerrors.CodeInvalidInput, err, "加载 .env 失败", xerrors.WithMetadata("path", p))
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，相对路径以配置文件所在目录为基准。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(5 * time.Second)
	}

	c.Chains.Path = resolve(baseDir, c.Chains.Path, "chains.yaml")
	if c.Tools.Catalog != "" {
		c.Tools.Catalog = resolve(baseDir, c.Tools.Catalog, "")
	}

	if c.Wallet.Network == "" {
		c.Wallet.Network = "base"
	}
	if c.Wallet.PrivateKeyEnv == "" {
		c.Wallet.PrivateKeyEnv = defaultKeyEnv
	}
	if len(c.Agents) == 0 {
		c.Agents = []AgentConfig{{ID: "agent-1"}}
	}
	for i := range c.Agents {
		if c.Agents[i].Network == "" {
			c.Agents[i].Network = c.Wallet.Network
		}
		if c.Agents[i].PrivateKeyEnv == "" {
			c.Agents[i].PrivateKeyEnv = c.Wallet.PrivateKeyEnv
		}
	}

	if c.Payments.DeferredThreshold <= 0 {
		c.Payments.DeferredThreshold = 10
	}
	if c.Payments.ReplayRetries <= 0 {
		c.Payments.ReplayRetries = 3
	}
	if c.Payments.ReplayBackoff <= 0 {
		c.Payments.ReplayBackoff = Duration(time.Second)
	}
	if c.Payments.ConfirmDelay <= 0 {
		c.Payments.ConfirmDelay = Duration(2 * time.Second)
	}

	if c.Swarm.CostSplitting == "" {
		c.Swarm.CostSplitting = "equal"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 256
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = Duration(60 * time.Second)
	}
	if c.LLM.OpenAI.APIKey == "" {
		c.LLM.OpenAI.APIKey = os.Getenv(c.LLM.APIKeyEnv)
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path, "")
	}
}

func resolve(baseDir, path, fallback string) string {
	if path == "" {
		if fallback == "" {
			return ""
		}
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
