package badger

import (
	"strings"
)

// logger routes badger's internal messages into slog, one level quieter than
// badger would print them.
type logger struct {
	path string
}

func (l logger) Errorf(s string, i ...interface{}) {
	log.E.F("badger %s: "+strings.TrimSpace(s), append([]any{l.path}, i...)...)
}

func (l logger) Warningf(s string, i ...interface{}) {
	log.W.F("badger %s: "+strings.TrimSpace(s), append([]any{l.path}, i...)...)
}

func (l logger) Infof(s string, i ...interface{}) {
	log.D.F("badger %s: "+strings.TrimSpace(s), append([]any{l.path}, i...)...)
}

func (l logger) Debugf(s string, i ...interface{}) {
	log.T.F("badger %s: "+strings.TrimSpace(s), append([]any{l.path}, i...)...)
}
