package isolend

import (
	"io"

	"github.com/rs/zerolog"
)

// NewLogger builds the logger the protocol writes through. level is a zerolog
// level name such as "info" or "debug".
func NewLogger(w io.Writer, level string) (*zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l := zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "isolend").Logger()
	return &l, nil
}
