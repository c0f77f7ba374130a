package ap

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"

	"github.com/concrnt/ccworld-ap-relay/signature"
	"github.com/concrnt/ccworld-ap-relay/types"
)

var tracer = otel.Tracer("activitypub")

const maxInboxBody = 1 << 20

// Verifier authenticates an inbound request by its HTTP signature.
type Verifier interface {
	Verify(ctx context.Context, r *http.Request, body []byte) (signature.Result, error)
}

type Handler struct {
	service  *Service
	verifier Verifier
}

func NewHandler(service *Service, verifier Verifier) Handler {
	return Handler{service, verifier}
}

func (h Handler) WebFinger(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "WebFinger")
	defer span.End()

	resource := c.QueryParam("resource")
	result, err := h.service.WebFinger(ctx, resource)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusNotFound, "Not Found: "+err.Error())
	}

	c.Response().Header().Set("Content-Type", "application/jrd+json")
	return c.JSON(http.StatusOK, result)
}

// NodeInfo handles nodeinfo requests
func (h Handler) NodeInfo(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "NodeInfo")
	defer span.End()

	result, err := h.service.NodeInfo(ctx)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error: "+err.Error())
	}

	c.Response().Header().Set("Content-Type", "application/json")
	return c.JSON(http.StatusOK, result)
}

func (h Handler) NodeInfoWellKnown(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "NodeInfoWellKnown")
	defer span.End()

	result, err := h.service.NodeInfoWellKnown(ctx)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error: "+err.Error())
	}

	c.Response().Header().Set("Content-Type", "application/json")
	return c.JSON(http.StatusOK, result)
}

func (h Handler) HostMeta(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HostMeta")
	defer span.End()

	return c.Blob(http.StatusOK, "application/xrd+xml", []byte(h.service.HostMeta(ctx)))
}

// --

func (h Handler) Actor(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "Actor")
	defer span.End()

	result, err := h.service.Actor(ctx)
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusInternalServerError, "Internal server error: "+err.Error())
	}

	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "application/activity+json", body)
}

// Inbox authenticates and dispatches an inbound activity. The body is read
// once and the same bytes are used for parsing, verification and relaying.
func (h Handler) Inbox(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "HandlerAPInbox")
	defer span.End()

	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxInboxBody))
	if err != nil {
		span.RecordError(err)
		return c.String(http.StatusBadRequest, "Bad Request: Unreadable body")
	}

	var activity types.Activity
	if err := json.Unmarshal(raw, &activity); err != nil {
		span.RecordError(err)
		return c.String(http.StatusBadRequest, "Bad Request: Invalid JSON")
	}

	result, err := h.verifier.Verify(ctx, c.Request(), raw)
	if err != nil || !result.Valid {
		if err != nil {
			span.RecordError(err)
		}
		h.service.log.InfoContext(ctx, "signature verification failed",
			slog.String("actor", activity.Actor),
			slog.String("keyId", result.KeyID),
			slog.Any("error", err),
		)
		inboxActivities.WithLabelValues(activity.Kind().String(), "401").Inc()
		return c.String(http.StatusUnauthorized, "Unauthorized: Signature verification failed")
	}

	response := h.service.Dispatch(ctx, activity, raw, result.Signer)
	return c.String(response.Status, response.Message)
}
