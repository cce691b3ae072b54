package logging

import (
	"context"
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	_logger         = NewTmpLogger()
	_requestIDField = "x_request_id"
)

type ctxKey struct{}

// requestIDKey carries the request id set by the HTTP middleware.
var requestIDKey ctxKey

type Config struct {
	Level  string
	Pretty bool
}

func ReadConfig() *Config {
	return &Config{
		Level:  viper.GetString("log.level"),
		Pretty: viper.GetBool("log.pretty"),
	}
}

func NewLogger(cfg *Config) (*zap.Logger, error) {
	var c zap.Config
	var opts []zap.Option
	if cfg.Pretty {
		c = zap.NewDevelopmentConfig()
		opts = append(opts, zap.AddStacktrace(zap.ErrorLevel))
	} else {
		c = zap.NewProductionConfig()
	}

	level := zap.NewAtomicLevel()

	levelName := "INFO"
	if cfg.Level != "" {
		levelName = cfg.Level
	}

	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("could not parse log level %s", cfg.Level)
	}
	c.Level = level

	return c.Build(opts...)
}

func InitLogger(cfg *Config) (err error) {
	_logger, err = NewLogger(cfg)
	return err
}

func NewTmpLogger() *zap.Logger {
	c := zap.NewProductionConfig()
	c.DisableStacktrace = true
	l, err := c.Build()
	if err != nil {
		panic(err)
	}
	return l
}

// WithRequestID stores the request id for Logger to pick up downstream.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// Logger Return new logger with context value
// ctx:  nillable
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil || ctx == context.TODO() {
		return _logger
	}
	return injectRequestID(_logger, ctx)
}

func SetRequestIDField(fieldName string) {
	_requestIDField = fieldName
}

func injectRequestID(logger *zap.Logger, ctx context.Context) *zap.Logger {
	requestID, ok := ctx.Value(requestIDKey).(string)
	if !ok || requestID == "" {
		return logger
	}
	return logger.With(zap.String(_requestIDField, requestID))
}
