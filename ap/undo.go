package ap

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/concrnt/ccworld-ap-relay/types"
)

// Undo handles an inbound Undo of a Follow. Undoing a follow the relay
// never stored still succeeds.
func (s *Service) Undo(ctx context.Context, activity types.Activity) (bool, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Undo")
	defer span.End()

	followID := activity.Object.ID()
	if followID == "" || activity.Actor == "" {
		return false, errors.Wrap(ErrInvalidActivity, "undo without object id or actor")
	}

	log := s.log.With(slog.String("activity", activity.ID), slog.String("actor", activity.Actor), slog.String("object", followID))

	removeActor := true
	if embedded := activity.Object.Embedded; embedded != nil {
		if embedded.Actor != "" && embedded.Actor != activity.Actor {
			log.WarnContext(ctx, "undo of an activity sent by another actor")
			return false, nil
		}
		if embedded.Type != "" && embedded.Type != "Follow" {
			// only follows change subscription state
			removeActor = false
		}
	}

	err := s.store.UndoFollow(ctx, followID, activity.Actor, removeActor)
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	log.InfoContext(ctx, "undo processed", slog.Bool("unsubscribed", removeActor))
	return true, nil
}
