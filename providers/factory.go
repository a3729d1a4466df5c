package providers

import (
	"fmt"
	"time"

	"github.com/smallnest/clawrun/config"
	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/turn"
)

// New builds the executor named by cfg.Provider. Credentials are resolved on
// first use, so a missing key surfaces as a failed run rather than here.
func New(cfg config.ExecutorConfig, procs Registrar) (turn.Executor, error) {
	switch cfg.Provider {
	case "openai":
		return NewLLMExecutor(cfg), nil
	case "anthropic":
		return NewAnthropicExecutor(cfg), nil
	case "command":
		if cfg.Command == "" {
			return nil, errors.InvalidConfig("command executor requires a command")
		}
		return NewCommandExecutor(cfg, procs), nil
	case "", "echo":
		return &EchoExecutor{Delay: 20 * time.Millisecond}, nil
	default:
		return nil, errors.New(errors.ErrCodeProviderUnavailable,
			fmt.Sprintf("unknown provider '%s'", cfg.Provider))
	}
}
