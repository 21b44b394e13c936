package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log *zap.Logger

// project specific keys
const (
	TransactionKey = "transaction_id"
	ReferenceKey   = "external_reference"
	GatewayKey     = "gateway"
	WalletKey      = "wallet_id"
	UserIdKey      = "user_id"
	ErrorKey       = "error"
	AuditKey       = "audit"
)

func init() {
	var err error
	config := zap.NewProductionConfig()

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	encoderConfig.CallerKey = "caller"
	encoderConfig.MessageKey = "message"
	encoderConfig.LevelKey = "level"

	config.EncoderConfig = encoderConfig
	config.OutputPaths = []string{"stdout"}
	config.ErrorOutputPaths = []string{"stderr"}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, perr := zapcore.ParseLevel(lvl); perr == nil {
			config.Level = zap.NewAtomicLevelAt(parsed)
		}
	}

	Log, err = config.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
}

type Fields map[string]interface{}

func Info(msg string, fields ...Fields) {
	Log.Info(msg, collect(fields)...)
}

func Error(msg string, fields ...Fields) {
	Log.Error(msg, collect(fields)...)
}

func Debug(msg string, fields ...Fields) {
	Log.Debug(msg, collect(fields)...)
}

func Warn(msg string, fields ...Fields) {
	Log.Warn(msg, collect(fields)...)
}

func Fatal(msg string, fields ...Fields) {
	Log.Fatal(msg, collect(fields)...)
}

// Audit records authenticity and consistency failures. These lines are never
// sampled away and carry audit=true so they can be routed to the audit sink.
func Audit(msg string, fields ...Fields) {
	f := Merge(append(fields, Fields{AuditKey: true})...)
	Log.Warn(msg, getZapFields(f)...)
}

// WithError adds an error field to the log entry
func WithError(err error) Fields {
	return Fields{
		ErrorKey: err.Error(),
	}
}

func Merge(fields ...Fields) Fields {
	merged := make(Fields)
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	return merged
}

func collect(fields []Fields) []zap.Field {
	switch len(fields) {
	case 0:
		return nil
	case 1:
		return getZapFields(fields[0])
	default:
		return getZapFields(Merge(fields...))
	}
}

func getZapFields(fields Fields) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return zapFields
}
