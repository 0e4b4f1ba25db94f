package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer, level LogLevel) *Logger {
	return NewLogger(&Config{
		Level:   level,
		Format:  "text",
		Output:  buf,
		Sync:    true,
		NoColor: true,
	})
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{
			name:   "default config",
			config: nil,
		},
		{
			name: "json format",
			config: &Config{
				Level:  LevelInfo,
				Format: "json",
				Output: &bytes.Buffer{},
			},
		},
		{
			name: "text format",
			config: &Config{
				Level:  LevelDebug,
				Format: "text",
				Output: &bytes.Buffer{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	deviceLogger := logger.WithDevice(42)
	deviceLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "device_id=42") {
		t.Errorf("Expected device_id=42 in output, got: %s", output)
	}

	buf.Reset()
	taskLogger := deviceLogger.WithElevator("fiops").WithTask(1234)
	taskLogger.Info("task message")

	output = buf.String()
	if !strings.Contains(output, "device_id=42") {
		t.Errorf("Expected device_id=42 in task logger output, got: %s", output)
	}
	if !strings.Contains(output, "elevator=fiops") {
		t.Errorf("Expected elevator=fiops in output, got: %s", output)
	}
	if !strings.Contains(output, "pid=1234") {
		t.Errorf("Expected pid=1234 in output, got: %s", output)
	}
}

func TestLoggerWithRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithRequest(123, "READ").Debug("processing request")

	output := buf.String()
	if !strings.Contains(output, "rq=123") {
		t.Errorf("Expected rq=123 in output, got: %s", output)
	}
	if !strings.Contains(output, "op=READ") {
		t.Errorf("Expected op=READ in output, got: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithError(errors.New("test error")).Error("operation failed")

	if output := buf.String(); !strings.Contains(output, "test error") {
		t.Errorf("Expected 'test error' in output, got: %s", output)
	}
}

func TestContextLifecycleLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.ContextLinked(77, 3)
	output := buf.String()
	if !strings.Contains(output, "device context linked") {
		t.Errorf("Expected link message, got: %s", output)
	}
	if !strings.Contains(output, "slot=3") {
		t.Errorf("Expected slot=3, got: %s", output)
	}

	buf.Reset()
	logger.ContextDead(77, 3, "queue exit")
	output = buf.String()
	if !strings.Contains(output, "device context dead") {
		t.Errorf("Expected dead message, got: %s", output)
	}
	if !strings.Contains(output, "queue exit") {
		t.Errorf("Expected reason, got: %s", output)
	}

	buf.Reset()
	logger.QueueFail(77)
	if output = buf.String(); !strings.Contains(output, "queue fail") {
		t.Errorf("Expected queue fail message, got: %s", output)
	}
}

func TestIOLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.IOStart("READ", 8, 16)
	output := buf.String()
	if !strings.Contains(output, "I/O operation starting") {
		t.Errorf("Expected I/O start message, got: %s", output)
	}
	if !strings.Contains(output, "sector=8") {
		t.Errorf("Expected sector=8, got: %s", output)
	}
	if !strings.Contains(output, "sectors=16") {
		t.Errorf("Expected sectors=16, got: %s", output)
	}

	buf.Reset()
	logger.IOComplete("READ", 8, 16, 150)
	if output = buf.String(); !strings.Contains(output, "latency_us=150") {
		t.Errorf("Expected latency_us=150, got: %s", output)
	}

	buf.Reset()
	logger.IOError("WRITE", 8, 16, errors.New("write failed"))
	output = buf.String()
	if !strings.Contains(output, "I/O operation failed") {
		t.Errorf("Expected I/O error message, got: %s", output)
	}
	if !strings.Contains(output, "write failed") {
		t.Errorf("Expected error text, got: %s", output)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelWarn)

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected info to be filtered at warn level, got: %s", buf.String())
	}
	if logger.Enabled(LevelDebug) {
		t.Error("Debug should not be enabled at warn level")
	}
	if !logger.Enabled(LevelError) {
		t.Error("Error should be enabled at warn level")
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	SetDefault(newTestLogger(&buf, LevelDebug))
	defer SetDefault(prev)

	Debug("debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("Expected debug message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("Expected key=value, got: %s", output)
	}

	buf.Reset()
	Warn("warning message")
	if output = buf.String(); !strings.Contains(output, "warning message") {
		t.Errorf("Expected warning message, got: %s", output)
	}
}
