package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"OnyxLab-Core/pkg/logger"
)

// DefaultPath 是未指定配置文件时使用的路径。
const DefaultPath = "configs/onyx.yaml"

// Config 描述了 onyxd 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Lock      LockConfig      `yaml:"lock"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	LLM       LLMConfig       `yaml:"llm"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Proposal  ProposalConfig  `yaml:"proposal"`
	CodeGen   CodeGenConfig   `yaml:"codegen"`
	Payment   PaymentConfig   `yaml:"payment"`
	Web3      Web3Config      `yaml:"web3"`
	Deploy    DeployConfig    `yaml:"deploy"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig 对应 pkg/logger 的初始化参数。
type LogConfig struct {
	Level       string         `yaml:"level"`
	Format      string         `yaml:"format"`
	OutputPaths []string       `yaml:"output_paths"`
	Audit       AuditLogConfig `yaml:"audit"`
}

// AuditLogConfig 控制审计日志的落盘与轮转。
type AuditLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// StorageConfig 描述会话存储后端。
type StorageConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DSN 从环境变量读取数据库连接串，连接串可能包含口令，因此不写入配置文件。
func (c StorageConfig) DSN() string {
	return lookupSecret(c.DSNEnv)
}

// RedisConfig 是会话锁与任务队列共用的 Redis 连接参数。
type RedisConfig struct {
	Address     string `yaml:"address"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
}

// Password 返回 Redis 口令。
func (c RedisConfig) Password() string {
	return lookupSecret(c.PasswordEnv)
}

// LockConfig 决定会话互斥锁的实现。
type LockConfig struct {
	Driver    string        `yaml:"driver"`
	TTL       time.Duration `yaml:"ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
	Redis     RedisConfig   `yaml:"redis"`
}

// PipelineConfig 控制支付确认后的自动部署流水线。
type PipelineConfig struct {
	AutoDeploy bool        `yaml:"auto_deploy"`
	Workers    int         `yaml:"workers"`
	Queue      QueueConfig `yaml:"queue"`
}

// QueueConfig 描述流水线任务队列。
type QueueConfig struct {
	Driver     string         `yaml:"driver"`
	MemorySize int            `yaml:"memory_size"`
	Redis      RedisQueue     `yaml:"redis"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisQueue 描述基于 Redis list 的队列。
type RedisQueue struct {
	RedisConfig `yaml:",inline"`
	Queue       string        `yaml:"queue"`
	BlockWait   time.Duration `yaml:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列，连接串通过环境变量提供。
type RabbitMQConfig struct {
	URLEnv     string `yaml:"url_env"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// URL 返回 RabbitMQ 连接串。
func (c RabbitMQConfig) URL() string {
	return lookupSecret(c.URLEnv)
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string             `yaml:"provider"`
	Gemini   GeminiConfig       `yaml:"gemini"`
	OpenAI   OpenAIConfig       `yaml:"openai"`
	Script   ScriptBridgeConfig `yaml:"script_bridge"`
}

// GeminiConfig 描述 Gemini API 的调用参数。
type GeminiConfig struct {
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// APIKey 返回 Gemini API Key。
func (c GeminiConfig) APIKey() string {
	return lookupSecret(c.APIKeyEnv)
}

// OpenAIConfig 描述 OpenAI 兼容接口的调用参数。
type OpenAIConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxTokens int           `yaml:"max_tokens"`
}

// APIKey 返回 OpenAI API Key。
func (c OpenAIConfig) APIKey() string {
	return lookupSecret(c.APIKeyEnv)
}

// ScriptBridgeConfig 描述通过本地脚本模拟大模型时所需的信息。
type ScriptBridgeConfig struct {
	Executable string `yaml:"executable"`
	ScriptPath string `yaml:"script_path"`
	WorkingDir string `yaml:"working_dir"`
}

// KnowledgeConfig 指定提示词中引用的运行时知识库。
type KnowledgeConfig struct {
	Source     string `yaml:"source"`
	MaxResults int    `yaml:"max_results"`
}

// ProposalConfig 控制架构提案阶段。
type ProposalConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	MaxIterations int           `yaml:"max_iterations"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
}

// CodeGenConfig 控制代码生成阶段。
type CodeGenConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// PaymentConfig 描述收款参数与链上确认策略。
type PaymentConfig struct {
	Recipient     string        `yaml:"recipient"`
	Price         string        `yaml:"price"`
	Protocol      string        `yaml:"protocol"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	PollTimeout   time.Duration `yaml:"poll_timeout"`
	Confirmations uint64        `yaml:"confirmations"`
	RequestTTL    time.Duration `yaml:"request_ttl"`
	CacheSize     int           `yaml:"cache_size"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
type Web3Config struct {
	RPCURL       string `yaml:"rpc_url"`
	ChainConfig  string `yaml:"chain_config"`
	DefaultChain string `yaml:"default_chain"`
}

// DeployConfig 描述外部部署工具的调用方式。
type DeployConfig struct {
	Binary         string        `yaml:"binary"`
	Args           []string      `yaml:"args"`
	WorkDir        string        `yaml:"work_dir"`
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	CredentialEnv  []string      `yaml:"credential_env"`
	PassEnv        []string      `yaml:"pass_env"`
}

// Credentials 从运行环境读取部署凭证，未设置的变量会被忽略。
func (c DeployConfig) Credentials() map[string]string {
	creds := make(map[string]string, len(c.CredentialEnv))
	for _, name := range c.CredentialEnv {
		if value := lookupSecret(name); value != "" {
			creds[name] = value
		}
	}
	return creds
}

// ArchiveConfig 控制已部署产物在对象存储中的归档。
type ArchiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	UseSSL       bool   `yaml:"use_ssl"`
}

// AccessKey 返回对象存储访问密钥。
func (c ArchiveConfig) AccessKey() string { return lookupSecret(c.AccessKeyEnv) }

// SecretKey 返回对象存储私有密钥。
func (c ArchiveConfig) SecretKey() string { return lookupSecret(c.SecretKeyEnv) }

// AlertingConfig 描述告警通知渠道。
type AlertingConfig struct {
	WebhookURLEnv string `yaml:"webhook_url_env"`
}

// WebhookURL 返回告警 webhook 地址。
func (c AlertingConfig) WebhookURL() string { return lookupSecret(c.WebhookURLEnv) }

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.DSNEnv == "" {
		c.Storage.DSNEnv = "ONYX_DATABASE_DSN"
	}

	c.Lock.Driver = strings.ToLower(strings.TrimSpace(c.Lock.Driver))
	if c.Lock.Driver == "" {
		c.Lock.Driver = "memory"
	}
	if c.Lock.TTL <= 0 {
		c.Lock.TTL = 15 * time.Minute
	}
	if c.Lock.KeyPrefix == "" {
		c.Lock.KeyPrefix = "onyx:session-lock:"
	}

	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 4
	}
	c.Pipeline.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Pipeline.Queue.Driver))
	if c.Pipeline.Queue.Driver == "" {
		c.Pipeline.Queue.Driver = "memory"
	}
	if c.Pipeline.Queue.MemorySize <= 0 {
		c.Pipeline.Queue.MemorySize = 1024
	}
	if c.Pipeline.Queue.Redis.Queue == "" {
		c.Pipeline.Queue.Redis.Queue = "onyx:pipeline"
	}
	if c.Pipeline.Queue.Redis.BlockWait <= 0 {
		c.Pipeline.Queue.Redis.BlockWait = 5 * time.Second
	}
	if c.Pipeline.Queue.RabbitMQ.Queue == "" {
		c.Pipeline.Queue.RabbitMQ.Queue = "onyx.pipeline"
	}
	if c.Pipeline.Queue.RabbitMQ.URLEnv == "" {
		c.Pipeline.Queue.RabbitMQ.URLEnv = "ONYX_RABBITMQ_URL"
	}

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = "gemini"
	}
	if c.LLM.Gemini.Model == "" {
		c.LLM.Gemini.Model = "gemini-2.5-flash"
	}
	if c.LLM.Gemini.APIKeyEnv == "" {
		c.LLM.Gemini.APIKeyEnv = "GEMINI_API_KEY"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Script.Executable == "" {
		c.LLM.Script.Executable = "python3"
	}
	if c.LLM.Script.WorkingDir == "" {
		c.LLM.Script.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Script.WorkingDir) {
		c.LLM.Script.WorkingDir = filepath.Join(baseDir, c.LLM.Script.WorkingDir)
	}

	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
	if c.Knowledge.Source != "" && !filepath.IsAbs(c.Knowledge.Source) {
		c.Knowledge.Source = filepath.Join(baseDir, c.Knowledge.Source)
	}

	if c.Proposal.MaxAttempts <= 0 {
		c.Proposal.MaxAttempts = 3
	}
	if c.Proposal.MaxIterations < 0 {
		c.Proposal.MaxIterations = 0
	}
	if c.Proposal.CallTimeout <= 0 {
		c.Proposal.CallTimeout = 60 * time.Second
	}
	if c.CodeGen.MaxAttempts <= 0 {
		c.CodeGen.MaxAttempts = 3
	}
	if c.CodeGen.CallTimeout <= 0 {
		c.CodeGen.CallTimeout = 90 * time.Second
	}

	if c.Payment.Price == "" {
		c.Payment.Price = "0.002"
	}
	if c.Payment.Protocol == "" {
		c.Payment.Protocol = "x402"
	}
	if c.Payment.PollInterval <= 0 {
		c.Payment.PollInterval = 3 * time.Second
	}
	if c.Payment.PollTimeout <= 0 {
		c.Payment.PollTimeout = 60 * time.Second
	}
	if c.Payment.Confirmations == 0 {
		c.Payment.Confirmations = 1
	}
	if c.Payment.RequestTTL <= 0 {
		c.Payment.RequestTTL = 30 * time.Minute
	}
	if c.Payment.CacheSize <= 0 {
		c.Payment.CacheSize = 1024
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Deploy.Binary == "" {
		c.Deploy.Binary = "cre"
	}
	if len(c.Deploy.Args) == 0 {
		c.Deploy.Args = []string{"workflow", "deploy", "--file", "workflow.yaml", "--function", "function.js", "--env", "production", "--output", "json"}
	}
	if c.Deploy.WorkDir == "" {
		c.Deploy.WorkDir = filepath.Join(c.Runtime.DataDir, "deployments")
	} else if !filepath.IsAbs(c.Deploy.WorkDir) {
		c.Deploy.WorkDir = filepath.Join(baseDir, c.Deploy.WorkDir)
	}
	if c.Deploy.MaxAttempts <= 0 {
		c.Deploy.MaxAttempts = 3
	}
	if c.Deploy.AttemptTimeout <= 0 {
		c.Deploy.AttemptTimeout = 2 * time.Minute
	}
	if len(c.Deploy.CredentialEnv) == 0 {
		c.Deploy.CredentialEnv = []string{"CRE_API_KEY"}
	}

	if c.Archive.Bucket == "" {
		c.Archive.Bucket = "onyx-workflows"
	}
	if c.Archive.Region == "" {
		c.Archive.Region = "us-east-1"
	}
	if c.Archive.AccessKeyEnv == "" {
		c.Archive.AccessKeyEnv = "ONYX_ARCHIVE_ACCESS_KEY"
	}
	if c.Archive.SecretKeyEnv == "" {
		c.Archive.SecretKeyEnv = "ONYX_ARCHIVE_SECRET_KEY"
	}
}

// Validate 检查互相依赖的配置项，尽早暴露错误。
func (c *Config) Validate() error {
	var errs []error

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Storage.Driver {
	case "memory", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver))
	}
	switch c.Lock.Driver {
	case "memory":
	case "redis":
		if c.Lock.Redis.Address == "" {
			errs = append(errs, errors.New("lock.redis.address 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的会话锁驱动: %s", c.Lock.Driver))
	}
	switch c.Pipeline.Queue.Driver {
	case "memory", "rabbitmq":
	case "redis":
		if c.Pipeline.Queue.Redis.Address == "" {
			errs = append(errs, errors.New("pipeline.queue.redis.address 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的队列驱动: %s", c.Pipeline.Queue.Driver))
	}
	switch c.LLM.Provider {
	case "gemini", "openai":
	case "script_bridge":
		if c.LLM.Script.ScriptPath == "" {
			errs = append(errs, errors.New("llm.script_bridge.script_path 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的大模型 provider: %s", c.LLM.Provider))
	}
	if strings.TrimSpace(c.Payment.Recipient) == "" {
		errs = append(errs, errors.New("payment.recipient 不能为空"))
	}
	if c.Payment.PollInterval > c.Payment.PollTimeout {
		errs = append(errs, errors.New("payment.poll_interval 不能大于 poll_timeout"))
	}
	if c.Archive.Enabled && c.Archive.Endpoint == "" {
		errs = append(errs, errors.New("archive.endpoint 不能为空"))
	}
	return errors.Join(errs...)
}

// Secrets 返回所有已解析的敏感值，供日志脱敏注册。
func (c *Config) Secrets() []string {
	values := []string{
		c.Storage.DSN(),
		c.Lock.Redis.Password(),
		c.Pipeline.Queue.Redis.Password(),
		c.Pipeline.Queue.RabbitMQ.URL(),
		c.LLM.Gemini.APIKey(),
		c.LLM.OpenAI.APIKey(),
		c.Archive.AccessKey(),
		c.Archive.SecretKey(),
		c.Alerting.WebhookURL(),
	}
	for _, value := range c.Deploy.Credentials() {
		values = append(values, value)
	}
	out := values[:0]
	for _, value := range values {
		if value != "" {
			out = append(out, value)
		}
	}
	return out
}

func lookupSecret(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(name))
}
