package utils

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the logging surface shared by the sync core and the server
// collaborators. The *Ctx variants additionally emit args carried on the
// context, so an attribute attached once at the top of a pipeline travels
// with every record logged underneath it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
}

const prefix = "[shapesync] "

// DefaultLogger renders through slog with a fixed message prefix.
type DefaultLogger struct {
	logger *slog.Logger
}

func NewDefaultLogger(level slog.Level) *DefaultLogger {
	return NewLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func NewLogger(logger *slog.Logger) *DefaultLogger {
	return &DefaultLogger{logger: logger}
}

func (d *DefaultLogger) emit(ctx context.Context, level slog.Level, msg string, args []any) {
	d.logger.Log(ctx, level, prefix+msg, append(args, ctxArgs(ctx)...)...)
}

func (d *DefaultLogger) Debug(msg string, args ...any) {
	d.emit(context.Background(), slog.LevelDebug, msg, args)
}

func (d *DefaultLogger) Info(msg string, args ...any) {
	d.emit(context.Background(), slog.LevelInfo, msg, args)
}

func (d *DefaultLogger) Warn(msg string, args ...any) {
	d.emit(context.Background(), slog.LevelWarn, msg, args)
}

func (d *DefaultLogger) Error(msg string, args ...any) {
	d.emit(context.Background(), slog.LevelError, msg, args)
}

func (d *DefaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	d.emit(ctx, slog.LevelDebug, msg, args)
}

func (d *DefaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	d.emit(ctx, slog.LevelWarn, msg, args)
}

func (d *DefaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	d.emit(ctx, slog.LevelError, msg, args)
}

type ctxArgsKey struct{}

// WithArgs returns a context whose carried log args are extended by args.
// The *Ctx log methods append them after the per-call args.
func WithArgs(ctx context.Context, args ...any) context.Context {
	prev := ctxArgs(ctx)
	merged := append(prev[:len(prev):len(prev)], args...)
	return context.WithValue(ctx, ctxArgsKey{}, merged)
}

func ctxArgs(ctx context.Context) []any {
	args, _ := ctx.Value(ctxArgsKey{}).([]any)
	return args
}
