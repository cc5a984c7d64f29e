package engine

import (
	"io"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the facade every component constructor takes as a
// dependency-injected field, never a package global, per
// SPEC_FULL.md §A.1. The concrete event type is izerolog's, the
// teacher's logiface-to-zerolog binding.
type Logger = logiface.Logger[*izerolog.Event]

// NewLogger builds a Logger backed by zerolog writing to w.
func NewLogger(w io.Writer, level logiface.Level) *Logger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	return logiface.New[*izerolog.Event](
		logiface.WithLevel[*izerolog.Event](level),
		izerolog.WithZerolog(zl),
	)
}
