package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	obscontext "github.com/smallbiznis/loyalty/internal/observability/context"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the zap logger.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	Level       string
	Format      string
	Debug       bool

	SamplingInitial     int
	SamplingThereafter  int
	SamplingWindow      time.Duration
	IncludeCaller       bool
	IncludeStackOnError bool
}

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// unsampledLoggers are never sampled: their lines are the audit trail for
// balance changes and webhook decisions.
var unsampledLoggers = []string{"ledger", "payment", "redemption"}

// New builds the process logger. Request noise is sampled while ledger,
// payment and redemption lines always pass.
func New(lc fx.Lifecycle, cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	name := strings.TrimSpace(cfg.Level)
	if name == "" {
		name = "info"
	}
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", name, err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	base := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(stdout)), level)
	core := newAuditCore(base, samplingFor(cfg))

	options := []zap.Option{zap.ErrorOutput(zapcore.Lock(zapcore.AddSync(stderr)))}
	if cfg.IncludeCaller {
		options = append(options, zap.AddCaller())
	}
	if cfg.IncludeStackOnError {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if cfg.Debug {
		options = append(options, zap.Development())
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "loyalty"
	}
	logger := zap.New(core, options...).With(
		zap.String("service", serviceName),
		zap.String("env", strings.TrimSpace(cfg.Environment)),
		zap.String("version", strings.TrimSpace(cfg.Version)),
	)
	zap.ReplaceGlobals(logger)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				_ = logger.Sync()
				return nil
			},
		})
	}
	return logger, nil
}

type sampling struct {
	window     time.Duration
	initial    int
	thereafter int
}

func samplingFor(cfg Config) sampling {
	s := sampling{window: cfg.SamplingWindow, initial: cfg.SamplingInitial, thereafter: cfg.SamplingThereafter}
	if s.window <= 0 {
		s.window = time.Second
	}
	if s.initial <= 0 {
		s.initial = 100
	}
	if s.thereafter <= 0 {
		s.thereafter = 100
	}
	return s
}

// auditCore routes entries from unsampledLoggers around the sampler.
type auditCore struct {
	zapcore.Core
	sampled zapcore.Core
}

func newAuditCore(base zapcore.Core, s sampling) zapcore.Core {
	return &auditCore{
		Core:    base,
		sampled: zapcore.NewSamplerWithOptions(base, s.window, s.initial, s.thereafter),
	}
}

func (c *auditCore) With(fields []zapcore.Field) zapcore.Core {
	return &auditCore{Core: c.Core.With(fields), sampled: c.sampled.With(fields)}
}

func (c *auditCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if isAudit(entry.LoggerName) {
		return c.Core.Check(entry, ce)
	}
	return c.sampled.Check(entry, ce)
}

func isAudit(name string) bool {
	for _, prefix := range unsampledLoggers {
		if name == prefix || strings.HasPrefix(name, prefix+".") {
			return true
		}
	}
	return false
}

// FromContext returns the global logger with request-scoped fields.
func FromContext(ctx context.Context) *zap.Logger {
	return WithContext(ctx, zap.L())
}

// WithContext adds the request id, webhook provider and trace ids carried by ctx.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if base == nil {
		base = zap.L()
	}
	if ctx == nil {
		return base
	}

	var fields []zap.Field
	if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if provider := obscontext.ProviderFromContext(ctx); provider != "" {
		fields = append(fields, zap.String("provider", provider))
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// WithUser adds the loyalty user id.
func WithUser(log *zap.Logger, userID string) *zap.Logger {
	if log == nil {
		return nil
	}
	return log.With(zap.String("user_id", strings.TrimSpace(userID)))
}
