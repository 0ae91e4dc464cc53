package badger

import (
	"fmt"
	"strings"

	"github.com/enginehub/cassettedeck/infrastructure/logging"
)

// Logger routes BadgerDB's internal messages to the structured logger.
// Badger's info output is verbose, so it is demoted to debug.
type Logger struct{}

func badgerMsg(format string, args ...any) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}

// Errorf implements badger.Logger.
func (Logger) Errorf(format string, args ...any) {
	logging.Error().Add(logging.Component("badger")).Msg(badgerMsg(format, args...))
}

// Warningf implements badger.Logger.
func (Logger) Warningf(format string, args ...any) {
	logging.Warn().Add(logging.Component("badger")).Msg(badgerMsg(format, args...))
}

// Infof implements badger.Logger.
func (Logger) Infof(format string, args ...any) {
	logging.Debug().Add(logging.Component("badger")).Msg(badgerMsg(format, args...))
}

// Debugf implements badger.Logger.
func (Logger) Debugf(format string, args ...any) {
	logging.Trace().Add(logging.Component("badger")).Msg(badgerMsg(format, args...))
}
