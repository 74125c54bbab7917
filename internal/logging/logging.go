// Package logging provides the process-wide structured logger and request ID
// propagation for correlating callback traffic with provider exchanges.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once     sync.Once
	instance *zap.Logger
)

// Init builds the singleton logger. Idempotent: only the first call has any
// effect. env "prod" selects the JSON production encoder, anything else the
// development console encoder.
func Init(env string) {
	once.Do(func() {
		var err error
		if env == "prod" {
			instance, err = zap.NewProduction()
		} else {
			instance, err = zap.NewDevelopment()
		}
		if err != nil {
			instance = zap.NewNop()
		}
	})
}

// L returns the singleton logger, initializing a development logger if Init
// was never called (tests, tools).
func L() *zap.Logger {
	if instance == nil {
		Init("dev")
	}
	return instance
}

// Named returns a logger tagged with a component name.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Sync flushes buffered log entries. Call it deferred from main.
func Sync() {
	if instance != nil {
		_ = instance.Sync()
	}
}
