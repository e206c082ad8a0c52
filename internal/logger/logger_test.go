package logger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	. "github.com/smartystreets/goconvey/convey"
)

func TestConfigure(t *testing.T) {
	original := Log
	defer func() { Log = original }()

	Convey("Given the logger package", t, func() {
		Convey("When configured with console output only", func() {
			err := Configure(Options{Level: "debug"})

			Convey("It installs a logger at the requested level", func() {
				So(err, ShouldBeNil)
				So(Log, ShouldNotBeNil)
				So(Log.Core().Enabled(zapcore.DebugLevel), ShouldBeTrue)
			})
		})

		Convey("When configured with a log file", func() {
			dir := t.TempDir()
			file := filepath.Join(dir, "nested", "service.log")

			err := Configure(Options{Level: "info", File: file})
			So(err, ShouldBeNil)
			Log.Info("written to file")
			_ = Log.Sync()

			Convey("It creates the file and its directory", func() {
				_, statErr := os.Stat(file)
				So(statErr, ShouldBeNil)
				So(Log.Core().Enabled(zapcore.DebugLevel), ShouldBeFalse)
			})
		})

		Convey("When configured with an unknown level", func() {
			err := Configure(Options{Level: "loud"})

			Convey("It returns an error", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "invalid log level")
			})
		})
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in    string
		want  zapcore.Level
		valid bool
	}{
		{"", zapcore.InfoLevel, true},
		{"DEBUG", zapcore.DebugLevel, true},
		{"warning", zapcore.WarnLevel, true},
		{" error ", zapcore.ErrorLevel, true},
		{"verbose", zapcore.InfoLevel, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.valid {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.valid)
		}
	}
}

func TestCronZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewCronZapLogger(zap.New(core))

	cl.Info("schedule", "entry", 1, "next")
	cl.Error(errors.New("boom"), "job failed", 42, "value")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	info := entries[0].ContextMap()
	if info["entry"] != int64(1) {
		t.Errorf("expected entry=1, got %v", info["entry"])
	}
	if info["next"] != "<missing_value>" {
		t.Errorf("expected missing value marker, got %v", info["next"])
	}
	errFields := entries[1].ContextMap()
	if errFields["unknown_key_0"] != "value" {
		t.Errorf("expected unknown_key_0=value, got %v", errFields["unknown_key_0"])
	}
	if errFields["error"] != "boom" {
		t.Errorf("expected error=boom, got %v", errFields["error"])
	}
}
