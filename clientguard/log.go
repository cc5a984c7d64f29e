package clientguard

import (
	"io"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger mirrors the coordinator side's logging facade (izerolog's event
// type bound through logiface), so a process running both cluckd and
// clientguard shares one logging stack.
type Logger = logiface.Logger[*izerolog.Event]

// NewLogger builds a Logger backed by zerolog writing to w.
func NewLogger(w io.Writer, level logiface.Level) *Logger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	return logiface.New[*izerolog.Event](
		logiface.WithLevel[*izerolog.Event](level),
		izerolog.WithZerolog(zl),
	)
}
