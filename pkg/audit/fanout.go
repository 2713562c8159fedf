package audit

import (
	"context"

	"errors"
)

type fanout struct {
	sinks []Sink
}

// Fanout appends every record to all sinks and joins their errors. A failing
// sink never blocks the others.
func Fanout(sinks ...Sink) Sink {
	return &fanout{sinks: sinks}
}

func (f *fanout) Append(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
