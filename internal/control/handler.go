package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/taskmaster/internal/service"
)

// Backend executes control commands.
type Backend interface {
	Status(ctx context.Context) string
	StartService(ctx context.Context, name string) (service.Summary, bool)
	StopService(ctx context.Context, name string) (string, bool)
	RestartService(ctx context.Context, name string) (service.Summary, bool)
	// Reload loads the configuration again and applies it. A failed load
	// leaves the running services untouched.
	Reload(ctx context.Context) (service.ReloadResult, error)
	// Shutdown asks the daemon to stop all services and terminate. It must not block.
	Shutdown(ctx context.Context)
}

// Handle decodes and executes one request. Every failure, including a
// malformed request, is returned as a failed Response.
func Handle(ctx context.Context, b Backend, raw []byte) Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return failure(fmt.Errorf("%w: %w", ErrMalformed, err))
	}
	slog.DebugContext(ctx, "handling request", "type", req.Type, "service", req.Service)

	if !req.Type.Valid() {
		return failure(fmt.Errorf("%w %q", ErrUnknownCommand, req.Type))
	}
	if req.Type.NeedsService() && req.Service == "" {
		return failure(fmt.Errorf("%s: %w", req.Type, ErrMissingService))
	}

	switch req.Type {
	case CommandStatus:
		return success(req.Type, b.Status(ctx))
	case CommandStart:
		summary, ok := b.StartService(ctx, req.Service)
		if !ok {
			return notFound(req.Service)
		}
		return success(req.Type, summary)
	case CommandStop:
		name, ok := b.StopService(ctx, req.Service)
		if !ok {
			return notFound(req.Service)
		}
		return success(req.Type, name)
	case CommandRestart:
		summary, ok := b.RestartService(ctx, req.Service)
		if !ok {
			return notFound(req.Service)
		}
		return success(req.Type, summary)
	case CommandReload:
		result, err := b.Reload(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "reload failed", "error", err)
			return failure(fmt.Errorf("%w: %w", ErrReload, err))
		}
		return success(req.Type, result)
	default:
		return success(CommandExit, ShutdownMessage)
	}
}

func notFound(name string) Response {
	return failure(fmt.Errorf("service %q %w", name, ErrNotFound))
}
