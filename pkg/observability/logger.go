// Package observability builds the process-wide zap logger.
package observability

import (
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"

    "lxmesh/pkg/config"
)

// SetupLogger builds a zap.Logger from the log configuration and installs it
// as the zap global, so packages can log through zap.L() with their own
// Named scopes (router, sync, pools). The caller should defer logger.Sync().
func SetupLogger(c config.LogConfig) (*zap.Logger, error) {
    level, err := parseLevel(c.Level)
    if err != nil {
        return nil, err
    }

    outputs := c.Outputs
    if len(outputs) == 0 {
        outputs = []string{"stderr"}
    }
    cores := make([]zapcore.Core, 0, len(outputs))
    for _, out := range outputs {
        cores = append(cores, zapcore.NewCore(newEncoder(c), openSink(out, c), level))
    }

    opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
    if c.Development {
        opts = append(opts, zap.Development())
    }
    logger := zap.New(zapcore.NewTee(cores...), opts...)
    zap.ReplaceGlobals(logger)
    return logger, nil
}

func parseLevel(s string) (zapcore.Level, error) {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "", "info":
        return zapcore.InfoLevel, nil
    case "debug":
        return zapcore.DebugLevel, nil
    case "warn", "warning":
        return zapcore.WarnLevel, nil
    case "error":
        return zapcore.ErrorLevel, nil
    }
    return zapcore.InfoLevel, fmt.Errorf("observability: unknown log level %q", s)
}

func newEncoder(c config.LogConfig) zapcore.Encoder {
    if strings.ToLower(c.Format) == "json" {
        return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
    }
    cfg := zap.NewDevelopmentEncoderConfig()
    if c.Development {
        cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
    }
    return zapcore.NewConsoleEncoder(cfg)
}

// openSink resolves one configured output. Anything that is not stdout or
// stderr is a file path; with rotation enabled it goes through lumberjack,
// otherwise it is opened for append. A file that cannot be opened degrades
// to stderr rather than failing node startup.
func openSink(out string, c config.LogConfig) zapcore.WriteSyncer {
    switch strings.ToLower(out) {
    case "stdout":
        return zapcore.AddSync(os.Stdout)
    case "stderr":
        return zapcore.AddSync(os.Stderr)
    }

    path := out
    if c.Rotation.Enable {
        if name := strings.TrimSpace(c.Rotation.Filename); name != "" {
            path = name
        }
        return zapcore.AddSync(&lumberjack.Logger{
            Filename:   path,
            MaxSize:    c.Rotation.MaxSizeMB,
            MaxBackups: c.Rotation.MaxBackups,
            MaxAge:     c.Rotation.MaxAgeDays,
            Compress:   c.Rotation.Compress,
        })
    }

    if dir := filepath.Dir(path); dir != "." {
        _ = os.MkdirAll(dir, 0o755)
    }
    f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
    if err != nil {
        return zapcore.AddSync(os.Stderr)
    }
    return zapcore.AddSync(f)
}
