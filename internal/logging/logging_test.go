package logging

import (
	"testing"

	"go.uber.org/zap"
)

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		l, err := New(level)
		if err != nil {
			t.Fatalf("New(%q) error = %v", level, err)
		}
		if l == nil {
			t.Fatalf("New(%q) returned nil logger", level)
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("loud"); err == nil {
		t.Error("New(\"loud\") should fail")
	}
}

func TestNamed(t *testing.T) {
	base := zap.NewNop().Sugar()
	if _, ok := Named(base, "ble").(*zap.SugaredLogger); !ok {
		t.Error("Named should keep a zap logger")
	}

	var custom Logger = recordingLogger{}
	if Named(custom, "ble") != custom {
		t.Error("Named should return non-zap loggers unchanged")
	}
}

type recordingLogger struct{}

func (recordingLogger) Debugf(string, ...interface{}) {}
func (recordingLogger) Infof(string, ...interface{})  {}
func (recordingLogger) Warnf(string, ...interface{})  {}
func (recordingLogger) Errorf(string, ...interface{}) {}
