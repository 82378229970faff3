package command

import (
	"context"
	"log/slog"
	"time"
)

// LoggingMiddleware logs every dispatched command with its outcome and
// duration.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, cmd Command) (any, error) {
			start := time.Now()
			result, err := next(ctx, cmd)
			elapsed := time.Since(start)

			if err != nil {
				logger.Error("command failed",
					"command", cmd.CommandType(),
					"duration", elapsed,
					"error", err)
				return result, err
			}

			logger.Info("command executed",
				"command", cmd.CommandType(),
				"duration", elapsed)
			return result, nil
		}
	}
}
