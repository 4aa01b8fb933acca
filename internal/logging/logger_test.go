package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	testCases := []struct {
		level string
		want  zapcore.Level
	}{
		{level: "", want: zapcore.InfoLevel},
		{level: "DEBUG", want: zapcore.DebugLevel},
		{level: "warning", want: zapcore.WarnLevel},
		{level: " error ", want: zapcore.ErrorLevel},
	}
	for _, testCase := range testCases {
		t.Run(testCase.level, func(t *testing.T) {
			logger, err := NewLogger(testCase.level, FormatJSON)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !logger.Core().Enabled(testCase.want) {
				t.Fatalf("expected %s to be enabled", testCase.want)
			}
			if testCase.want > zapcore.DebugLevel && logger.Core().Enabled(testCase.want-1) {
				t.Fatalf("expected levels below %s to be disabled", testCase.want)
			}
		})
	}
}

func TestNewLoggerRejectsUnknownSettings(t *testing.T) {
	if _, err := NewLogger("verbose", FormatJSON); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Fatalf("expected unknown format to fail")
	}
	if _, err := NewLogger("info", FormatConsole); err != nil {
		t.Fatalf("expected console format to build: %v", err)
	}
}
