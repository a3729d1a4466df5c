package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "CLAWRUN"

var globalConfig *Config

// Load 加载配置文件
func Load(configPath string) (*Config, error) {
	// 创建 viper 实例
	v := viper.New()

	// 设置配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 默认配置文件路径
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".clawrun"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
	}

	// 设置环境变量前缀
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 设置默认值
	setDefaults(v)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// 配置文件不存在，使用默认值和环境变量
	}

	// 解析配置
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Journal.Path == "" && cfg.Journal.Enabled {
		if dir, err := GetDataDir(); err == nil {
			cfg.Journal.Path = filepath.Join(dir, "runs.db")
		}
	}

	globalConfig = &cfg
	return &cfg, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 日志
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	// Gateway 默认配置
	v.SetDefault("gateway.host", "localhost")
	v.SetDefault("gateway.port", 28790)
	v.SetDefault("gateway.read_timeout", 30)
	v.SetDefault("gateway.write_timeout", 0)
	v.SetDefault("gateway.websocket.enabled", true)
	v.SetDefault("gateway.websocket.path", "/v1/ws")
	v.SetDefault("gateway.websocket.ping_interval", "30s")
	v.SetDefault("gateway.websocket.write_timeout", "10s")
	v.SetDefault("gateway.websocket.buffer", 64)

	// 调度器
	v.SetDefault("scheduler.bus_buffer", 256)
	v.SetDefault("scheduler.default_source", "chat")

	// 执行器
	v.SetDefault("executor.provider", "echo")
	v.SetDefault("executor.model", "")
	v.SetDefault("executor.api_key", "")
	v.SetDefault("executor.base_url", "")
	v.SetDefault("executor.max_tokens", 4096)
	v.SetDefault("executor.temperature", 0.7)
	v.SetDefault("executor.system_prompt", "")
	v.SetDefault("executor.timeout", 300)
	v.SetDefault("executor.command", "")
	v.SetDefault("executor.work_dir", "")

	// 历史与日志
	v.SetDefault("history.max_messages", 200)
	v.SetDefault("history.strict", false)
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.path", "")

	// 定时任务
	v.SetDefault("cron.enabled", false)
	v.SetDefault("cron.tick", "1s")
}

// Save 保存配置到文件
func Save(cfg *Config, path string) error {
	// 确保目录存在
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// 转换为 JSON（带缩进）
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 写入文件
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Get 获取全局配置
func Get() *Config {
	return globalConfig
}

// GetDataDir 获取数据目录路径
func GetDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".clawrun"), nil
}

// Validate 验证配置
func Validate(cfg *Config) error {
	validator := NewValidator(true)
	return validator.Validate(cfg)
}

// GetGatewayAddr 获取 Gateway 监听地址
func GetGatewayAddr(cfg *Config) string {
	if cfg == nil {
		return "localhost:28790"
	}

	host := cfg.Gateway.Host
	port := cfg.Gateway.Port
	if port == 0 {
		port = 28790
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// GetGatewayURL 获取 Gateway HTTP 基础地址
func GetGatewayURL(cfg *Config) string {
	addr := GetGatewayAddr(cfg)
	if strings.HasPrefix(addr, ":") || strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "localhost" + addr[strings.Index(addr, ":"):]
	}
	return "http://" + addr
}
