package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/smallnest/clawrun/errors"
)

// Providers 支持的执行器
var Providers = []string{"openai", "anthropic", "command", "echo"}

// Validator provides configuration validation
type Validator struct {
	strictMode bool
}

// NewValidator creates a new configuration validator
func NewValidator(strict bool) *Validator {
	return &Validator{
		strictMode: strict,
	}
}

// Validate performs comprehensive configuration validation
func (v *Validator) Validate(cfg *Config) error {
	if cfg == nil {
		return errors.InvalidConfig("configuration cannot be nil")
	}

	validators := []func(*Config) error{
		v.validateLog,
		v.validateGateway,
		v.validateScheduler,
		v.validateExecutor,
		v.validateHistory,
		v.validateJournal,
		v.validateCron,
	}

	for _, validator := range validators {
		if err := validator(cfg); err != nil {
			return err
		}
	}

	return nil
}

// validateLog validates log configuration
func (v *Validator) validateLog(cfg *Config) error {
	if cfg.Log.Level == "" {
		return nil
	}
	levels := []string{"debug", "info", "warn", "warning", "error", "fatal"}
	if !slices.Contains(levels, strings.ToLower(cfg.Log.Level)) {
		return errors.InvalidConfig(fmt.Sprintf("invalid log level: %s", cfg.Log.Level))
	}
	return nil
}

// validateGateway validates gateway configuration
func (v *Validator) validateGateway(cfg *Config) error {
	gw := cfg.Gateway

	if gw.Port < 1 || gw.Port > 65535 {
		return errors.InvalidConfig("gateway port must be between 1 and 65535")
	}

	if gw.ReadTimeout < 0 || gw.ReadTimeout > 3600 {
		return errors.InvalidConfig("gateway read_timeout must be between 0 and 3600 seconds")
	}

	// 0 表示不限制，流式响应需要长连接
	if gw.WriteTimeout < 0 || gw.WriteTimeout > 3600 {
		return errors.InvalidConfig("gateway write_timeout must be between 0 and 3600 seconds")
	}

	ws := gw.WebSocket
	if !ws.Enabled {
		return nil
	}
	if !strings.HasPrefix(ws.Path, "/") {
		return errors.InvalidConfig("websocket path must start with '/'")
	}
	if ws.PingInterval < 0 || ws.PingInterval > 10*time.Minute {
		return errors.InvalidConfig("websocket ping_interval must be between 0 and 10 minutes")
	}
	if ws.Buffer < 0 {
		return errors.InvalidConfig("websocket buffer cannot be negative")
	}

	return nil
}

// validateScheduler validates scheduler configuration
func (v *Validator) validateScheduler(cfg *Config) error {
	if cfg.Scheduler.BusBuffer < 0 {
		return errors.InvalidConfig("scheduler bus_buffer cannot be negative")
	}
	return nil
}

// validateExecutor validates executor configuration
func (v *Validator) validateExecutor(cfg *Config) error {
	ex := cfg.Executor

	if !slices.Contains(Providers, ex.Provider) {
		return errors.InvalidConfig(fmt.Sprintf("invalid executor provider: %s", ex.Provider))
	}

	switch ex.Provider {
	case "openai", "anthropic":
		if v.strictMode && ex.Model == "" {
			return errors.InvalidConfig(fmt.Sprintf("%s executor requires a model", ex.Provider))
		}
		// 密钥可以在运行时从环境变量获取，只校验已配置的格式
		if ex.APIKey != "" {
			if err := v.validateAPIKey(ex.APIKey); err != nil {
				return errors.Wrap(err, errors.ErrCodeInvalidConfig,
					fmt.Sprintf("invalid %s API key", ex.Provider))
			}
		}
		if ex.BaseURL != "" {
			if _, err := url.ParseRequestURI(ex.BaseURL); err != nil {
				return errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid executor base_url")
			}
		}
	case "command":
		if strings.TrimSpace(ex.Command) == "" {
			return errors.InvalidConfig("command executor requires a command")
		}
		if ex.WorkDir != "" && !filepath.IsAbs(ex.WorkDir) {
			return errors.InvalidConfig("executor work_dir must be absolute")
		}
	}

	if ex.Temperature < 0 || ex.Temperature > 2 {
		return errors.InvalidConfig("temperature must be between 0 and 2")
	}

	if ex.MaxTokens < 0 || ex.MaxTokens > 128000 {
		return errors.InvalidConfig("max_tokens must be between 0 and 128000")
	}

	if ex.Timeout < 0 || ex.Timeout > 3600 {
		return errors.InvalidConfig("executor timeout must be between 0 and 3600 seconds")
	}

	return nil
}

// validateAPIKey validates API key format
func (v *Validator) validateAPIKey(key string) error {
	key = strings.TrimSpace(key)

	if len(key) < 10 {
		return errors.InvalidInput("API key too short (minimum 10 characters)")
	}

	if strings.Contains(key, " ") {
		return errors.InvalidInput("API key cannot contain spaces")
	}

	return nil
}

// validateHistory validates history configuration
func (v *Validator) validateHistory(cfg *Config) error {
	if cfg.History.MaxMessages < 0 {
		return errors.InvalidConfig("history max_messages cannot be negative")
	}
	return nil
}

// validateJournal validates journal configuration
func (v *Validator) validateJournal(cfg *Config) error {
	if !cfg.Journal.Enabled {
		return nil
	}
	if cfg.Journal.Path == "" {
		return errors.InvalidConfig("journal path is required when enabled")
	}
	return nil
}

// validateCron validates cron jobs
func (v *Validator) validateCron(cfg *Config) error {
	if !cfg.Cron.Enabled {
		return nil
	}
	if cfg.Cron.Tick < 0 {
		return errors.InvalidConfig("cron tick cannot be negative")
	}
	modes := []string{"", "steer", "collect", "followup"}
	names := make(map[string]bool, len(cfg.Cron.Jobs))
	for i, job := range cfg.Cron.Jobs {
		label := job.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if job.Name != "" {
			if names[job.Name] {
				return errors.InvalidConfig(fmt.Sprintf("duplicate cron job name: %s", job.Name))
			}
			names[job.Name] = true
		}
		if strings.TrimSpace(job.SessionID) == "" {
			return errors.InvalidConfig(fmt.Sprintf("cron job %s: session_id is required", label))
		}
		if strings.TrimSpace(job.Message) == "" {
			return errors.InvalidConfig(fmt.Sprintf("cron job %s: message is required", label))
		}
		if job.Every <= 0 {
			return errors.InvalidConfig(fmt.Sprintf("cron job %s: every must be positive", label))
		}
		if !slices.Contains(modes, job.Mode) {
			return errors.InvalidConfig(fmt.Sprintf("cron job %s: invalid mode: %s", label, job.Mode))
		}
	}
	return nil
}
