package config

import "time"

// Config 全局配置
type Config struct {
	Log       LogConfig       `mapstructure:"log" json:"log" yaml:"log"`
	Gateway   GatewayConfig   `mapstructure:"gateway" json:"gateway" yaml:"gateway"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" json:"scheduler" yaml:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor" json:"executor" yaml:"executor"`
	History   HistoryConfig   `mapstructure:"history" json:"history" yaml:"history"`
	Journal   JournalConfig   `mapstructure:"journal" json:"journal" yaml:"journal"`
	Cron      CronConfig      `mapstructure:"cron" json:"cron" yaml:"cron"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string `mapstructure:"level" json:"level" yaml:"level"`
	Development bool   `mapstructure:"development" json:"development" yaml:"development"`
}

// GatewayConfig HTTP 网关配置
type GatewayConfig struct {
	Host         string          `mapstructure:"host" json:"host" yaml:"host"`
	Port         int             `mapstructure:"port" json:"port" yaml:"port"`
	ReadTimeout  int             `mapstructure:"read_timeout" json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout int             `mapstructure:"write_timeout" json:"write_timeout" yaml:"write_timeout"`
	WebSocket    WebSocketConfig `mapstructure:"websocket" json:"websocket" yaml:"websocket"`
}

// WebSocketConfig 生命周期推送配置
type WebSocketConfig struct {
	Enabled      bool          `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Path         string        `mapstructure:"path" json:"path" yaml:"path"`
	PingInterval time.Duration `mapstructure:"ping_interval" json:"ping_interval" yaml:"ping_interval"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout" yaml:"write_timeout"`
	Buffer       int           `mapstructure:"buffer" json:"buffer" yaml:"buffer"`
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	BusBuffer     int    `mapstructure:"bus_buffer" json:"bus_buffer" yaml:"bus_buffer"`
	DefaultSource string `mapstructure:"default_source" json:"default_source" yaml:"default_source"`
}

// ExecutorConfig 对话执行器配置
type ExecutorConfig struct {
	Provider     string   `mapstructure:"provider" json:"provider" yaml:"provider"`
	Model        string   `mapstructure:"model" json:"model" yaml:"model"`
	APIKey       string   `mapstructure:"api_key" json:"api_key" yaml:"api_key"`
	BaseURL      string   `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	MaxTokens    int      `mapstructure:"max_tokens" json:"max_tokens" yaml:"max_tokens"`
	Temperature  float64  `mapstructure:"temperature" json:"temperature" yaml:"temperature"`
	SystemPrompt string   `mapstructure:"system_prompt" json:"system_prompt" yaml:"system_prompt"`
	Timeout      int      `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	Command      string   `mapstructure:"command" json:"command" yaml:"command"`
	Args         []string `mapstructure:"args" json:"args" yaml:"args"`
	WorkDir      string   `mapstructure:"work_dir" json:"work_dir" yaml:"work_dir"`
}

// HistoryConfig 会话历史配置
type HistoryConfig struct {
	MaxMessages int  `mapstructure:"max_messages" json:"max_messages" yaml:"max_messages"`
	Strict      bool `mapstructure:"strict" json:"strict" yaml:"strict"`
}

// JournalConfig 运行日志配置
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" json:"path" yaml:"path"`
}

// CronConfig 定时任务配置
type CronConfig struct {
	Enabled bool            `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Tick    time.Duration   `mapstructure:"tick" json:"tick" yaml:"tick"`
	Jobs    []CronJobConfig `mapstructure:"jobs" json:"jobs" yaml:"jobs"`
}

// CronJobConfig 单个定时任务
type CronJobConfig struct {
	Name      string        `mapstructure:"name" json:"name" yaml:"name"`
	SessionID string        `mapstructure:"session_id" json:"session_id" yaml:"session_id"`
	Message   string        `mapstructure:"message" json:"message" yaml:"message"`
	Every     time.Duration `mapstructure:"every" json:"every" yaml:"every"`
	Mode      string        `mapstructure:"mode" json:"mode" yaml:"mode"`
	Source    string        `mapstructure:"source" json:"source" yaml:"source"`
	Disabled  bool          `mapstructure:"disabled" json:"disabled" yaml:"disabled"`
}

// Masked returns a copy with secrets hidden, for display.
func (c Config) Masked() Config {
	if key := c.Executor.APIKey; key != "" {
		if len(key) > 8 {
			c.Executor.APIKey = key[:4] + "****" + key[len(key)-4:]
		} else {
			c.Executor.APIKey = "****"
		}
	}
	c.Executor.Args = append([]string(nil), c.Executor.Args...)
	return c
}
