package audit

import (
	"context"
	"encoding/json"
	"log"
)

// LogSink writes audit records as JSON lines through the standard logger.
// Used when no database is configured.
type LogSink struct {
	Logf func(format string, args ...any)
}

func NewLogSink() *LogSink {
	return &LogSink{Logf: log.Printf}
}

func (s *LogSink) Append(_ context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.Logf("audit: %s", b)
	return nil
}
