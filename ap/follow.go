package ap

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/concrnt/ccworld-ap-relay/types"
)

// Follow handles an inbound Follow. It returns false for policy refusals
// (not public, unknown or blocked domain) and for a failed auto-approval.
// signer is the verified sender and doubles as the requester record when it
// is the activity's actor.
func (s *Service) Follow(ctx context.Context, activity types.Activity, raw []byte, signer types.Person) (bool, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Follow")
	defer span.End()

	log := s.log.With(slog.String("activity", activity.ID), slog.String("actor", activity.Actor))

	if activity.ID == "" || activity.Actor == "" {
		return false, errors.Wrap(ErrInvalidActivity, "follow without id or actor")
	}

	if !IsPublic(activity) {
		log.DebugContext(ctx, "follow is not addressed to the public collection")
		return false, nil
	}

	blocked, err := s.blocks.IsActorBlocked(ctx, activity.Actor)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if blocked {
		log.WarnContext(ctx, "follow rejected: actor domain is blocked or unknown")
		return false, nil
	}

	inserted, err := s.store.InsertFollowRequest(ctx, types.FollowRequest{
		ID:          activity.ID,
		ActorID:     activity.Actor,
		ObjectID:    activity.Object.ID(),
		Status:      types.FollowStatusPending,
		RawActivity: string(raw),
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	if !inserted {
		existing, err := s.store.GetFollowRequest(ctx, activity.ID)
		if err != nil {
			span.RecordError(err)
			return false, err
		}
		if existing.Status != types.FollowStatusPending {
			log.InfoContext(ctx, "follow already processed", slog.String("status", existing.Status))
			return true, nil
		}
	}

	autoApprove, err := s.store.GetSetting(ctx, types.SettingAutoApproveFollows)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if autoApprove != "true" {
		log.InfoContext(ctx, "follow request stored as pending")
		followRequests.WithLabelValues("pending").Inc()
		return true, nil
	}

	requester := signer
	if requester.ID != activity.Actor {
		requester, err = s.client.FetchActor(ctx, activity.Actor)
		if err != nil {
			span.RecordError(err)
			log.WarnContext(ctx, "failed to fetch follower", slog.String("error", err.Error()))
			return false, err
		}
	}

	request := types.FollowRequest{
		ID:          activity.ID,
		ActorID:     activity.Actor,
		ObjectID:    activity.Object.ID(),
		RawActivity: string(raw),
	}
	accept := NewFollowResponse(s.config, "Accept", request)
	err = s.client.PostToInbox(ctx, requester.DeliveryInbox(), accept)
	if err != nil {
		span.RecordError(err)
		log.WarnContext(ctx, "failed to deliver accept", slog.String("error", err.Error()))
		return false, err
	}

	actor := requester.ToActor(activity.Actor)
	err = s.store.ResolveFollowRequest(ctx, activity.ID, types.FollowStatusApproved, &actor)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// resolved concurrently
		return true, nil
	}
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	log.InfoContext(ctx, "follow request auto-approved and accept sent")
	followRequests.WithLabelValues("approved").Inc()
	return true, nil
}
