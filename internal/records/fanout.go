package records

import (
	"context"
	"errors"
	"fmt"
)

// Fanout appends each record to every store in order. A failing store does not
// prevent the remaining stores from receiving the record.
type Fanout []Store

var _ Store = Fanout(nil)

func (f Fanout) Append(ctx context.Context, record LogRecord) error {
	var errs []error
	for _, store := range f {
		if err := store.Append(ctx, record); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", store, err))
		}
	}
	return errors.Join(errs...)
}
