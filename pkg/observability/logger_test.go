package observability

import (
    "os"
    "path/filepath"
    "strings"
    "testing"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"

    "lxmesh/pkg/config"
)

func TestParseLevel(t *testing.T) {
    cases := []struct {
        in   string
        want zapcore.Level
    }{
        {"", zapcore.InfoLevel},
        {"info", zapcore.InfoLevel},
        {"DEBUG", zapcore.DebugLevel},
        {"warn", zapcore.WarnLevel},
        {"warning", zapcore.WarnLevel},
        {"error", zapcore.ErrorLevel},
    }
    for _, c := range cases {
        got, err := parseLevel(c.in)
        if err != nil || got != c.want {
            t.Fatalf("parseLevel(%q) = %v, %v", c.in, got, err)
        }
    }
    if _, err := parseLevel("loud"); err == nil {
        t.Fatalf("unknown level accepted")
    }
}

func TestSetupLoggerWritesToFile(t *testing.T) {
    path := filepath.Join(t.TempDir(), "logs", "node.log")
    logger, err := SetupLogger(config.LogConfig{
        Level:   "debug",
        Format:  "json",
        Outputs: []string{path},
    })
    if err != nil {
        t.Fatalf("setup: %v", err)
    }
    logger.Named("router").Info("outbound queued", zap.String("k", "v"))
    _ = logger.Sync()

    data, err := os.ReadFile(path)
    if err != nil {
        t.Fatalf("read log file: %v", err)
    }
    if !strings.Contains(string(data), "outbound queued") {
        t.Fatalf("log line missing from file: %q", data)
    }
    if !strings.Contains(string(data), `"router"`) {
        t.Fatalf("named scope missing from file: %q", data)
    }
}

func TestSetupLoggerRejectsBadLevel(t *testing.T) {
    if _, err := SetupLogger(config.LogConfig{Level: "loud"}); err == nil {
        t.Fatalf("bad level accepted")
    }
}
