package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"georeg/internal/config"
)

func TestTraditionalHandlerFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("job_id", "j1")
	logger.Debug("hidden")
	logger.WithGroup("shift").Info("estimated", "row", 1.5)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered: %q", out)
	}
	if !strings.Contains(out, "[INFO] estimated [job_id=j1 shift.row=1.5]") {
		t.Fatalf("unexpected line %q", out)
	}
}

func TestSetupWritesDatedFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = t.TempDir()

	var console bytes.Buffer
	logger, err := SetupWriter(cfg, &console)
	if err != nil {
		t.Fatalf("SetupWriter: %v", err)
	}
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil))) })

	LogJobError(logger, "coregister", "j2", time.Second, errors.New("boom"), nil)

	name := filepath.Join(cfg.Logging.LogDir, "georeg-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	if !strings.Contains(string(data), "job failed") || !strings.Contains(console.String(), "error=boom") {
		t.Fatalf("log output missing job failure: file=%q console=%q", data, console.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJobHelpersUseStableKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo))

	LogJobStart(logger, "downsample", "d1", "in.tif", "", nil)
	LogProcessingStep(logger, "d1", "a_clipped", "ok", map[string]any{"window": "w", "no_overlap": false})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", buf.String())
	}
	if !strings.Contains(lines[0], "[job_type=downsample job_id=d1 input=in.tif]") {
		t.Fatalf("start line %q", lines[0])
	}
	if !strings.Contains(lines[1], "[job_id=d1 state=a_clipped status=ok no_overlap=false window=w]") {
		t.Fatalf("stage line %q", lines[1])
	}
}
