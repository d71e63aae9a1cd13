package app

import (
	"context"

	"blobfront/pkg/logger"
)

// Shutdown tears the server down, bounded by the context so teardown cannot
// hang forever. Stage failures are aggregated by the server; a deadline here
// abandons the remaining stages and returns the context error.
func (a *App) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- a.srv.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.Error("shutdown_deadline_exceeded", "error", ctx.Err())
		return ctx.Err()
	}
}
