package config

import (
	"fmt"
	"os"

	"pisa/internal/logging"

	"github.com/spf13/viper"
)

// Config 主配置
type Config struct {
	Blockchain     *BlockchainConfig     `mapstructure:"blockchain"`
	BlockCache     *BlockCacheConfig     `mapstructure:"block_cache"`
	BlockProcessor *BlockProcessorConfig `mapstructure:"block_processor"`
	Watcher        *WatcherConfig        `mapstructure:"watcher"`
	GasQueue       *GasQueueConfig       `mapstructure:"gas_queue"`
	Responder      *ResponderConfig      `mapstructure:"responder"`
	Output         *OutputConfig         `mapstructure:"output"`
	AppointmentAPI *AppointmentAPIConfig `mapstructure:"appointment_api"`
	Store          *StoreConfig          `mapstructure:"store"`
	Logging        *logging.LogConfig    `mapstructure:"logging"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	ChainID uint64        `mapstructure:"chain_id"`
	Nodes   []*NodeConfig `mapstructure:"nodes"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name      string `mapstructure:"name"`
	URL       string `mapstructure:"url"`
	Type      string `mapstructure:"type"`
	RateLimit int    `mapstructure:"rate_limit"`
	Priority  int    `mapstructure:"priority"`
}

// BlockCacheConfig 区块缓存配置，限制保留的分叉窗口深度
type BlockCacheConfig struct {
	MaxDepth uint64 `mapstructure:"max_depth"`
}

// BlockProcessorConfig 区块处理器轮询配置
type BlockProcessorConfig struct {
	NewBlockTimeoutMs     int64 `mapstructure:"new_block_timeout_ms"`
	WaitBlocksBeforeRetry int   `mapstructure:"wait_blocks_before_retrying"`
}

// WatcherConfig 触发事件确认深度配置
type WatcherConfig struct {
	ConfirmationsBeforeResponse uint64 `mapstructure:"confirmations_before_response"`
	ConfirmationsBeforeRemoval  uint64 `mapstructure:"confirmations_before_removal"`
}

// GasQueueConfig 替换交易队列配置
type GasQueueConfig struct {
	MaxQueueDepth      int `mapstructure:"max_queue_depth"`
	ReplacementRatePct int `mapstructure:"replacement_rate_pct"`
}

// ResponderConfig 签名密钥与默认 gas 参数，PrivateKeyHex 永不记录日志
type ResponderConfig struct {
	PrivateKeyHex string `mapstructure:"private_key"`
	DefaultGasWei uint64 `mapstructure:"default_gas_wei"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	Format   string       `mapstructure:"format"`
	Path     string       `mapstructure:"path"`
	Compress bool         `mapstructure:"compress"`
	Kafka    *KafkaConfig `mapstructure:"kafka"`
}

// AppointmentAPIConfig 预约接入 HTTP 服务配置
type AppointmentAPIConfig struct {
	Port int `mapstructure:"port"`
}

// StoreConfig 预约账本持久化路径
type StoreConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LoadConfig 加载配置：存在配置文件则解析，否则回退到开发默认值。
// 签名私钥可由 PISA_SIGNER_KEY 环境变量覆盖，避免提交到配置文件。
func LoadConfig(configPath string) (*Config, error) {
	cfg := GetDefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			loaded, err := LoadConfigFromFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("加载配置文件失败: %w", err)
			}
			cfg = loaded
		}
	}

	if key := os.Getenv("PISA_SIGNER_KEY"); key != "" {
		cfg.Responder.PrivateKeyHex = key
	}

	return cfg, nil
}

// LoadConfigFromFile 从文件加载配置
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return config, nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Blockchain: &BlockchainConfig{
			ChainID: 1,
			Nodes: []*NodeConfig{
				{
					Name:      "local_node",
					URL:       "http://localhost:8545",
					Type:      "local",
					RateLimit: 1000,
					Priority:  1,
				},
			},
		},
		BlockCache: &BlockCacheConfig{MaxDepth: 200},
		BlockProcessor: &BlockProcessorConfig{
			NewBlockTimeoutMs:     15000,
			WaitBlocksBeforeRetry: 10,
		},
		Watcher: &WatcherConfig{
			ConfirmationsBeforeResponse: 1,
			ConfirmationsBeforeRemoval:  20,
		},
		GasQueue: &GasQueueConfig{
			MaxQueueDepth:      100,
			ReplacementRatePct: 10,
		},
		Responder: &ResponderConfig{DefaultGasWei: 2000000000},
		Output: &OutputConfig{
			Format: "file",
			Path:   "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"appointment_events":  "pisa_appointment_events",
					"reorg_notifications": "pisa_reorg_notifications",
				},
			},
		},
		AppointmentAPI: &AppointmentAPIConfig{Port: 8080},
		Store:          &StoreConfig{DBPath: "./data/appointments.db"},
		Logging: &logging.LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			Rotation:   false,
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 3,
			Compress:   true,
		},
	}
}
