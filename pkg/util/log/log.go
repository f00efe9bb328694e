// Copyright 2025 The Distflow Authors.
//
// Licensed under the Apache License, Version 2.0.

// Package log provides context-aware leveled logging for the flow
// infrastructure. Call sites pass a context; any tags attached to it via
// logtags (e.g. the flow and stream IDs) are rendered as a bracketed prefix.
// Verbose event logging is gated on a package-level verbosity so that
// per-row logging compiles down to an atomic load in the common case.
package log

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/logtags"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger = func() *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg.DisableStacktrace = true
	l, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		panic(err)
	}
	return l.Sugar()
}()

var verbosity int32

// SetVModule sets the verbosity level for V and VEventf.
func SetVModule(level int32) {
	atomic.StoreInt32(&verbosity, level)
}

// V returns true if the logging verbosity is set to the specified level or
// higher.
func V(level int32) bool {
	return atomic.LoadInt32(&verbosity) >= level
}

func makeMessage(ctx context.Context, format string, args []interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if buf := logtags.FromContext(ctx); buf != nil {
		return fmt.Sprintf("[%s] %s", buf.String(), msg)
	}
	return msg
}

// Infof logs to the INFO log.
func Infof(ctx context.Context, format string, args ...interface{}) {
	logger.Info(makeMessage(ctx, format, args))
}

// Warningf logs to the WARNING log.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	logger.Warn(makeMessage(ctx, format, args))
}

// Errorf logs to the ERROR log.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	logger.Error(makeMessage(ctx, format, args))
}

// Fatalf logs to the ERROR log and exits the process.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	logger.Fatal(makeMessage(ctx, format, args))
}

// VEventf logs to the INFO log if the verbosity is at least the given level.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	if V(level) {
		logger.Info(makeMessage(ctx, format, args))
	}
}
