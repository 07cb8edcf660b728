package logger

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger is the component-keyed logging surface used across the detector.
type Logger interface {
	Debug(component, message string, fields map[string]interface{})
	Info(component, message string, fields map[string]interface{})
	Warning(component, message string, fields map[string]interface{})
	Error(component string, err error, fields map[string]interface{})
}

// ParseLevel accepts zerolog level names plus "warning"; anything else is info.
func ParseLevel(name string) zerolog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return level
}

// New returns a console logger on stderr, or JSON lines when json is set.
func New(level string, json bool) *ZerologAdapter {
	if json {
		return NewZerolog(os.Stderr, ParseLevel(level))
	}
	return NewConsoleLogger(ParseLevel(level))
}

// Nop discards everything.
func Nop() *ZerologAdapter {
	return NewZerolog(io.Discard, zerolog.Disabled)
}
