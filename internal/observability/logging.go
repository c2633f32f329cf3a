// Package observability wires structured logging for the CLI and the
// service. Commands log through CLILogger (console encoding on stderr so
// stdout stays machine-readable); the long-running service logs JSON
// through ServerLogger.
package observability

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is used by command-line entry points. It defaults to a no-op
// logger until Init runs.
var CLILogger = zap.NewNop()

// ServerLogger is used by the HTTP service and supervisor. It defaults to
// a no-op logger until Init runs.
var ServerLogger = zap.NewNop()

// Init builds both loggers at the given level. Format is "console" or
// "json"; the CLI logger always uses console encoding regardless.
func Init(level, format string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCfg := encCfg
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	stderr := zapcore.Lock(os.Stderr)
	cliCore := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), stderr, lvl)
	CLILogger = zap.New(cliCore)

	var srvEnc zapcore.Encoder
	switch format {
	case "console":
		srvEnc = zapcore.NewConsoleEncoder(consoleCfg)
	case "", "json":
		srvEnc = zapcore.NewJSONEncoder(encCfg)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	ServerLogger = zap.New(zapcore.NewCore(srvEnc, stderr, lvl), zap.AddCaller())
	return nil
}

// Sync flushes buffered log entries. Safe to call on no-op loggers.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}
