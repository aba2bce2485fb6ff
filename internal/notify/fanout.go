package notify

import (
	"context"
	"errors"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// FanOut delivers every alert to all sinks and joins their errors.
type FanOut []domain.AlertSink

// Publish implements domain.AlertSink.
func (f FanOut) Publish(ctx context.Context, alert domain.Alert) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Compile-time interface check.
var _ domain.AlertSink = FanOut(nil)
