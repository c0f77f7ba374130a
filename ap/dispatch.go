package ap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/concrnt/ccworld-ap-relay/apclient"
	"github.com/concrnt/ccworld-ap-relay/types"
)

// Response is the status and plain text body answered to the sender.
type Response struct {
	Status  int
	Message string
}

type activityHandler func(s *Service, ctx context.Context, activity types.Activity, raw []byte, signer types.Person) Response

var dispatchTable = map[types.Kind]activityHandler{
	types.KindFollow: (*Service).handleFollow,
	types.KindUndo:   (*Service).handleUndo,
}

func handlerFor(kind types.Kind) (activityHandler, bool) {
	if handler, ok := dispatchTable[kind]; ok {
		return handler, true
	}
	if kind.IsRelayed() {
		return (*Service).handleRelay, true
	}
	return nil, false
}

// Dispatch routes a verified activity to its workflow.
func (s *Service) Dispatch(ctx context.Context, activity types.Activity, raw []byte, signer types.Person) Response {
	ctx, span := tracer.Start(ctx, "Ap.Service.Dispatch", trace.WithAttributes(
		attribute.String("activity.id", activity.ID),
		attribute.String("activity.type", activity.Type),
		attribute.String("activity.actor", activity.Actor),
	))
	defer span.End()

	response := Response{http.StatusNotImplemented, "Not Implemented: Activity type not handled"}
	if handler, ok := handlerFor(activity.Kind()); ok {
		response = handler(s, ctx, activity, raw, signer)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", response.Status))
	inboxActivities.WithLabelValues(activity.Kind().String(), strconv.Itoa(response.Status)).Inc()
	return response
}

func (s *Service) handleFollow(ctx context.Context, activity types.Activity, raw []byte, signer types.Person) Response {
	ok, err := s.Follow(ctx, activity, raw, signer)
	if err != nil {
		return s.failure(ctx, activity, err, "Bad Request: Follow handling failed")
	}
	if !ok {
		return Response{http.StatusBadRequest, "Bad Request: Follow handling failed"}
	}
	return Response{http.StatusAccepted, "Accepted"}
}

func (s *Service) handleUndo(ctx context.Context, activity types.Activity, _ []byte, _ types.Person) Response {
	ok, err := s.Undo(ctx, activity)
	if err != nil {
		return s.failure(ctx, activity, err, "Bad Request: Undo handling failed")
	}
	if !ok {
		return Response{http.StatusBadRequest, "Bad Request: Undo handling failed"}
	}
	return Response{http.StatusOK, "OK"}
}

func (s *Service) handleRelay(ctx context.Context, activity types.Activity, raw []byte, _ types.Person) Response {
	result, err := s.Relay(ctx, activity, raw)
	if err != nil {
		return s.failure(ctx, activity, err, "Bad Request: Relay handling failed")
	}
	switch {
	case result.Duplicate:
		return Response{http.StatusAccepted, "Accepted: Activity already relayed"}
	case !result.Success:
		return Response{http.StatusAccepted, "Accepted: Activity is not public or no followers registered"}
	}
	return Response{http.StatusAccepted, fmt.Sprintf("Accepted: Relayed to %d follower(s)", result.RelayedCount)}
}

// failure maps a workflow error to a response. Errors caused by the
// activity or its remote peer are the sender's problem; anything else is
// an infrastructure failure the sender should retry.
func (s *Service) failure(ctx context.Context, activity types.Activity, err error, message string) Response {
	if errors.Is(err, ErrInvalidActivity) ||
		errors.Is(err, apclient.ErrActorFetchFailed) ||
		errors.Is(err, apclient.ErrDeliveryFailed) {
		s.log.InfoContext(ctx, "activity handling failed", slog.String("type", activity.Type), slog.String("error", err.Error()))
		return Response{http.StatusBadRequest, message}
	}

	s.log.ErrorContext(ctx, "activity handling error", slog.String("type", activity.Type), slog.String("error", err.Error()))
	return Response{http.StatusInternalServerError, "Internal Server Error"}
}
