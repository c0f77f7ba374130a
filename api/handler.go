package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/concrnt/ccworld-ap-relay/apclient"
	"github.com/concrnt/ccworld-ap-relay/types"
)

var tracer = otel.Tracer("api")

type Handler struct {
	service *Service
}

func NewHandler(service *Service) Handler {
	return Handler{
		service,
	}
}

// KeyAuth rejects requests whose X-API-Key header does not equal apiKey.
// An empty apiKey rejects every request.
func KeyAuth(apiKey string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:X-API-Key",
		Validator: func(key string, c echo.Context) (bool, error) {
			if apiKey == "" {
				return false, nil
			}
			return subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return c.JSON(http.StatusUnauthorized, echo.Map{"status": "error", "message": "unauthorized"})
		},
	})
}

// Register mounts the administrative routes on g.
func (h Handler) Register(g *echo.Group) {
	g.GET("/actors", h.ListActors)
	g.DELETE("/actors", h.RemoveActor)
	g.GET("/follow-requests", h.ListFollowRequests)
	g.POST("/follow-requests/approve", h.ApproveFollowRequest)
	g.POST("/follow-requests/reject", h.RejectFollowRequest)
	g.GET("/domain-rules", h.ListDomainRules)
	g.POST("/domain-rules", h.AddDomainRule)
	g.DELETE("/domain-rules/:id", h.DeleteDomainRule)
	g.GET("/settings", h.ListSettings)
	g.GET("/settings/:key", h.GetSetting)
	g.PUT("/settings/:key", h.SetSetting)
}

func (h Handler) ListActors(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListActors")
	defer span.End()

	limit, offset := pagination(c)
	actors, total, err := h.service.ListActors(ctx, limit, offset)
	if err != nil {
		span.RecordError(err)
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": echo.Map{"actors": actors, "total": total}})
}

func (h Handler) RemoveActor(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "RemoveActor")
	defer span.End()

	id := c.QueryParam("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "id is required"})
	}

	err := h.service.RemoveActor(ctx, id)
	if err != nil {
		span.RecordError(err)
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (h Handler) ListFollowRequests(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListFollowRequests")
	defer span.End()

	limit, offset := pagination(c)
	requests, total, err := h.service.ListFollowRequests(ctx, c.QueryParam("status"), limit, offset)
	if err != nil {
		span.RecordError(err)
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": echo.Map{"requests": requests, "total": total}})
}

func (h Handler) ApproveFollowRequest(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ApproveFollowRequest")
	defer span.End()

	id := c.QueryParam("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "id is required"})
	}

	err := h.service.Approve(ctx, id)
	if err != nil {
		span.RecordError(err)
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (h Handler) RejectFollowRequest(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "RejectFollowRequest")
	defer span.End()

	id := c.QueryParam("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "id is required"})
	}

	err := h.service.Reject(ctx, id)
	if err != nil {
		span.RecordError(err)
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (h Handler) ListDomainRules(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListDomainRules")
	defer span.End()

	rules, err := h.service.ListDomainRules(ctx)
	if err != nil {
		span.RecordError(err)
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": rules})
}

func (h Handler) AddDomainRule(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "AddDomainRule")
	defer span.End()

	var rule types.DomainRule
	err := c.Bind(&rule)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "Invalid request body"})
	}

	created, err := h.service.AddDomainRule(ctx, rule)
	if err != nil {
		span.RecordError(err)
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{"status": "ok", "content": created})
}

func (h Handler) DeleteDomainRule(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "DeleteDomainRule")
	defer span.End()

	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "invalid id"})
	}

	err = h.service.DeleteDomainRule(ctx, uint(id))
	if err != nil {
		span.RecordError(err)
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (h Handler) ListSettings(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "ListSettings")
	defer span.End()

	settings, err := h.service.ListSettings(ctx)
	if err != nil {
		span.RecordError(err)
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": settings})
}

func (h Handler) GetSetting(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "GetSetting")
	defer span.End()

	key := c.Param("key")
	value, err := h.service.GetSetting(ctx, key)
	if err != nil {
		span.RecordError(err)
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": types.Setting{Key: key, Value: value}})
}

func (h Handler) SetSetting(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "SetSetting")
	defer span.End()

	var body struct {
		Value string `json:"value"`
	}
	err := c.Bind(&body)
	if err != nil {
		span.RecordError(err)
		return c.JSON(http.StatusBadRequest, echo.Map{"status": "error", "message": "Invalid request body"})
	}

	key := c.Param("key")
	err = h.service.SetSetting(ctx, key, body.Value)
	if err != nil {
		span.RecordError(err)
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "content": types.Setting{Key: key, Value: body.Value}})
}

func pagination(c echo.Context) (int, int) {
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, err := strconv.Atoi(c.QueryParam("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

func errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrAlreadyProcessed):
		status = http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, apclient.ErrDeliveryFailed), errors.Is(err, apclient.ErrActorFetchFailed):
		status = http.StatusBadGateway
	}
	return c.JSON(status, echo.Map{"status": "error", "message": err.Error()})
}
