// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

// Package logx wires the zerolog root logger used across the branch
// process and hands out per-component sub-loggers.
package logx

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var root zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// SetDebug raises the global level to debug, mirroring the teacher's
// DEBUG environment switch.
func SetDebug(debug bool) {
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// For returns a sub-logger tagged with the given component name, e.g.
// logx.For("supervisor").
func For(component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}
