package api

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/concrnt/ccworld-ap-relay/ap"
	"github.com/concrnt/ccworld-ap-relay/domainblock"
	"github.com/concrnt/ccworld-ap-relay/store"
	"github.com/concrnt/ccworld-ap-relay/types"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyProcessed = errors.New("follow request already processed")
	ErrInvalidInput     = errors.New("invalid input")
)

// Client is the outbound side the administrative operations need.
type Client interface {
	FetchActor(ctx context.Context, id string) (types.Person, error)
	PostToInbox(ctx context.Context, inbox string, object any) error
}

type Service struct {
	store  *store.Store
	client Client
	config types.RelayConfig
	log    *slog.Logger
}

func NewService(
	store *store.Store,
	client Client,
	config types.RelayConfig,
	log *slog.Logger,
) *Service {
	return &Service{
		store,
		client,
		config,
		log.With("component", "api"),
	}
}

// Approve accepts a pending follow request. The requester is re-fetched,
// sent an Accept, and only then recorded as a subscriber.
func (s *Service) Approve(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.Approve")
	defer span.End()

	request, err := s.pendingRequest(ctx, id)
	if err != nil {
		return err
	}

	requester, err := s.client.FetchActor(ctx, request.ActorID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	accept := ap.NewFollowResponse(s.config, "Accept", request)
	err = s.client.PostToInbox(ctx, requester.DeliveryInbox(), accept)
	if err != nil {
		span.RecordError(err)
		return err
	}

	actor := requester.ToActor(request.ActorID)
	err = s.store.ResolveFollowRequest(ctx, id, types.FollowStatusApproved, &actor)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrAlreadyProcessed
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.log.InfoContext(ctx, "follow request approved and accept sent", slog.String("request", id), slog.String("actor", request.ActorID))
	return nil
}

// Reject refuses a pending follow request. The status only changes after
// the Reject was delivered.
func (s *Service) Reject(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.Reject")
	defer span.End()

	request, err := s.pendingRequest(ctx, id)
	if err != nil {
		return err
	}

	requester, err := s.client.FetchActor(ctx, request.ActorID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	reject := ap.NewFollowResponse(s.config, "Reject", request)
	err = s.client.PostToInbox(ctx, requester.DeliveryInbox(), reject)
	if err != nil {
		span.RecordError(err)
		return err
	}

	err = s.store.ResolveFollowRequest(ctx, id, types.FollowStatusRejected, nil)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrAlreadyProcessed
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.log.InfoContext(ctx, "follow request rejected and reject sent", slog.String("request", id), slog.String("actor", request.ActorID))
	return nil
}

func (s *Service) pendingRequest(ctx context.Context, id string) (types.FollowRequest, error) {
	request, err := s.store.GetFollowRequest(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.FollowRequest{}, errors.Wrapf(ErrNotFound, "follow request %s", id)
	}
	if err != nil {
		return types.FollowRequest{}, err
	}
	if request.Status != types.FollowStatusPending {
		return types.FollowRequest{}, errors.Wrapf(ErrAlreadyProcessed, "follow request %s is %s", id, request.Status)
	}
	return request, nil
}

func (s *Service) ListFollowRequests(ctx context.Context, status string, limit, offset int) ([]types.FollowRequest, int64, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.ListFollowRequests")
	defer span.End()

	switch status {
	case "", types.FollowStatusPending, types.FollowStatusApproved, types.FollowStatusRejected:
	default:
		return nil, 0, errors.Wrapf(ErrInvalidInput, "unknown status %q", status)
	}
	return s.store.ListFollowRequests(ctx, status, limit, offset)
}

func (s *Service) ListActors(ctx context.Context, limit, offset int) ([]types.Actor, int64, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.ListActors")
	defer span.End()

	return s.store.PageActors(ctx, limit, offset)
}

// RemoveActor unsubscribes an actor. A Reject of its follow is sent on a
// best-effort basis before the row is deleted.
func (s *Service) RemoveActor(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.RemoveActor")
	defer span.End()

	actor, err := s.store.GetActor(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(ErrNotFound, "actor %s", id)
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	request, err := s.store.LatestFollowRequest(ctx, id, types.FollowStatusApproved)
	if err != nil {
		request = types.FollowRequest{
			ID:       id + "#follows/" + strconv.FormatInt(time.Now().UnixMilli(), 10),
			ActorID:  id,
			ObjectID: s.config.ActorID(),
		}
	}

	reject := ap.NewFollowResponse(s.config, "Reject", request)
	err = s.client.PostToInbox(ctx, actor.DeliveryInbox(), reject)
	if err != nil {
		s.log.WarnContext(ctx, "failed to send reject to removed actor", slog.String("actor", id), slog.String("error", err.Error()))
	}

	err = s.store.DeleteActor(ctx, id)
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.log.InfoContext(ctx, "actor removed", slog.String("actor", id))
	return nil
}

func (s *Service) ListDomainRules(ctx context.Context) ([]types.DomainRule, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.ListDomainRules")
	defer span.End()

	return s.store.ListDomainRules(ctx)
}

// AddDomainRule stores a rule. Exact patterns are lowercased and regex
// rules must compile.
func (s *Service) AddDomainRule(ctx context.Context, rule types.DomainRule) (types.DomainRule, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.AddDomainRule")
	defer span.End()

	rule = domainblock.NormalizeRule(rule)
	if rule.Pattern == "" {
		return types.DomainRule{}, errors.Wrap(ErrInvalidInput, "pattern is required")
	}
	if err := domainblock.ValidateRule(rule); err != nil {
		return types.DomainRule{}, errors.Wrapf(ErrInvalidInput, "invalid regex: %v", err)
	}

	return s.store.CreateDomainRule(ctx, rule)
}

func (s *Service) DeleteDomainRule(ctx context.Context, id uint) error {
	ctx, span := tracer.Start(ctx, "Api.Service.DeleteDomainRule")
	defer span.End()

	err := s.store.DeleteDomainRule(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(ErrNotFound, "domain rule %d", id)
	}
	return err
}

func (s *Service) ListSettings(ctx context.Context) (map[string]string, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.ListSettings")
	defer span.End()

	return s.store.ListSettings(ctx)
}

func (s *Service) GetSetting(ctx context.Context, key string) (string, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.GetSetting")
	defer span.End()

	if _, ok := settingValues[key]; !ok {
		return "", errors.Wrapf(ErrNotFound, "setting %s", key)
	}
	return s.store.GetSetting(ctx, key)
}

var settingValues = map[string][]string{
	types.SettingDomainBlockMode:    {types.DomainBlockModeBlacklist, types.DomainBlockModeWhitelist},
	types.SettingAutoApproveFollows: {"true", "false"},
}

// SetSetting writes one of the known settings after validating its value.
func (s *Service) SetSetting(ctx context.Context, key, value string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.SetSetting")
	defer span.End()

	allowed, ok := settingValues[key]
	if !ok {
		return errors.Wrapf(ErrNotFound, "setting %s", key)
	}
	for _, candidate := range allowed {
		if candidate == value {
			return s.store.SetSetting(ctx, key, value)
		}
	}
	return errors.Wrapf(ErrInvalidInput, "invalid value %q for %s", value, key)
}
