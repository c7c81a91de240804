package bus

import (
	"fmt"
	"path/filepath"

	"github.com/agentcompany/agentcompany/internal/config"
	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
)

// New builds the bus backend selected by cfg.MessageQueueType. The file
// and SQLite spools live under stateDir next to the rest of the engine
// state.
func New(cfg *config.SystemConfig, stateDir string, logger *logging.Logger) (Bus, error) {
	switch cfg.MessageQueueType {
	case config.MessageQueueFile:
		return NewFileBus(filepath.Join(stateDir, "messages"), WithFileBusLogger(logger))
	case config.MessageQueueSQLite:
		return NewSQLiteBus(filepath.Join(stateDir, "messages.db"))
	case config.MessageQueueRedis:
		return NewRedisBus(cfg.RedisAddr, WithRedisBusLogger(logger))
	default:
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("unknown message queue type %q", cfg.MessageQueueType))
	}
}
