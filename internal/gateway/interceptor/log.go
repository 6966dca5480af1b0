package interceptor

import (
	"context"

	"go.uber.org/zap"

	"gateway/internal/gateway"
)

// Defaults of the @log directive.
const (
	DefaultLogMessage = "my message"
	DefaultLogArg     = "message"
	DefaultLogArgType = "String"
)

// LogConfig is the static configuration attached to one field.
type LogConfig struct {
	// Message is logged when the call carries no override
	Message string
	// Arg names the per-call override argument injected into the field
	Arg string
	// ArgType is the schema type name of Arg
	ArgType string
}

// Log emits one log entry per invocation, then forwards to the wrapped
// handler without the override argument.
type Log struct {
	logger    *zap.Logger
	operation string
	cfg       LogConfig
}

// NewLog creates the logging interceptor for operation. Unset config
// fields take the directive defaults; ArgType is checked by the engine
// when the interceptor is registered.
func NewLog(logger *zap.Logger, operation string, cfg LogConfig) *Log {
	if cfg.Message == "" {
		cfg.Message = DefaultLogMessage
	}
	if cfg.Arg == "" {
		cfg.Arg = DefaultLogArg
	}
	if cfg.ArgType == "" {
		cfg.ArgType = DefaultLogArgType
	}

	return &Log{
		logger:    logger.Named("log"),
		operation: operation,
		cfg:       cfg,
	}
}

// Config returns the effective configuration.
func (l *Log) Config() LogConfig { return l.cfg }

// InjectedArgs implements gateway.ArgInjector.
func (l *Log) InjectedArgs() []gateway.ArgSpec {
	return []gateway.ArgSpec{{Name: l.cfg.Arg, Type: l.cfg.ArgType}}
}

// Wrap implements gateway.Interceptor.
func (l *Log) Wrap(next gateway.Handler) gateway.Handler {
	return func(ctx context.Context, args gateway.Args) (any, error) {
		msg := l.cfg.Message
		if override, ok := args.String(l.cfg.Arg); ok && override != "" {
			msg = override
		}

		l.logger.Info("👨🏽‍🚀 Hi", zap.String("message", msg), zap.String("operation", l.operation))

		return next(ctx, args.Without(l.cfg.Arg))
	}
}
