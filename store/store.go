package store

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/concrnt/ccworld-ap-relay/types"
)

var tracer = otel.Tracer("store")

var settingDefaults = map[string]string{
	types.SettingDomainBlockMode:    types.DomainBlockModeBlacklist,
	types.SettingAutoApproveFollows: "false",
}

// Store is a repository for relay subscribers, follow requests, domain rules and settings.
type Store struct {
	db *gorm.DB
}

// NewStore returns a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the relay tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Actor{},
		&types.FollowRequest{},
		&types.DomainRule{},
		&types.Setting{},
	)
}

// ListActors returns all subscribers.
func (s *Store) ListActors(ctx context.Context) ([]types.Actor, error) {
	ctx, span := tracer.Start(ctx, "StoreListActors")
	defer span.End()

	var actors []types.Actor
	err := s.db.WithContext(ctx).Order("created_at").Find(&actors).Error
	return actors, err
}

// PageActors returns a page of subscribers with the total count.
func (s *Store) PageActors(ctx context.Context, limit, offset int) ([]types.Actor, int64, error) {
	ctx, span := tracer.Start(ctx, "StorePageActors")
	defer span.End()

	var total int64
	if err := s.db.WithContext(ctx).Model(&types.Actor{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var actors []types.Actor
	err := paginate(s.db.WithContext(ctx).Order("created_at"), limit, offset).Find(&actors).Error
	return actors, total, err
}

func paginate(query *gorm.DB, limit, offset int) *gorm.DB {
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	return query
}

// CountActors returns the number of subscribers.
func (s *Store) CountActors(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "StoreCountActors")
	defer span.End()

	var count int64
	err := s.db.WithContext(ctx).Model(&types.Actor{}).Count(&count).Error
	return count, err
}

// GetActor returns a subscriber by actor IRI.
func (s *Store) GetActor(ctx context.Context, id string) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "StoreGetActor")
	defer span.End()

	var actor types.Actor
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&actor)
	return actor, result.Error
}

// UpsertActor inserts a subscriber or refreshes its inboxes and key.
func (s *Store) UpsertActor(ctx context.Context, actor types.Actor) error {
	ctx, span := tracer.Start(ctx, "StoreUpsertActor")
	defer span.End()

	return upsertActor(s.db.WithContext(ctx), actor)
}

func upsertActor(db *gorm.DB, actor types.Actor) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"inbox", "shared_inbox", "public_key_pem", "updated_at"}),
	}).Create(&actor).Error
}

// UpdateActor refreshes the inboxes and key of an existing subscriber. It
// never inserts and reports whether a row was updated.
func (s *Store) UpdateActor(ctx context.Context, actor types.Actor) (bool, error) {
	ctx, span := tracer.Start(ctx, "StoreUpdateActor")
	defer span.End()

	result := s.db.WithContext(ctx).Model(&types.Actor{}).Where("id = ?", actor.ID).Updates(map[string]any{
		"inbox":          actor.Inbox,
		"shared_inbox":   actor.SharedInbox,
		"public_key_pem": actor.PublicKeyPem,
	})
	if result.Error != nil {
		span.RecordError(result.Error)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DeleteActor removes a subscriber. Removing an unknown actor is not an error.
func (s *Store) DeleteActor(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "StoreDeleteActor")
	defer span.End()

	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&types.Actor{}).Error
}

// InsertFollowRequest stores a Follow unless one with the same activity id
// already exists. It reports whether a row was inserted.
func (s *Store) InsertFollowRequest(ctx context.Context, request types.FollowRequest) (bool, error) {
	ctx, span := tracer.Start(ctx, "StoreInsertFollowRequest")
	defer span.End()

	if request.Status == "" {
		request.Status = types.FollowStatusPending
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&request)
	if result.Error != nil {
		span.RecordError(result.Error)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetFollowRequest returns a follow request by activity id.
func (s *Store) GetFollowRequest(ctx context.Context, id string) (types.FollowRequest, error) {
	ctx, span := tracer.Start(ctx, "StoreGetFollowRequest")
	defer span.End()

	var request types.FollowRequest
	result := s.db.WithContext(ctx).Where("id = ?", id).First(&request)
	return request, result.Error
}

// ListFollowRequests returns follow requests, newest first, with the total
// matching count. An empty status matches every request and a non-positive
// limit returns all rows.
func (s *Store) ListFollowRequests(ctx context.Context, status string, limit, offset int) ([]types.FollowRequest, int64, error) {
	ctx, span := tracer.Start(ctx, "StoreListFollowRequests")
	defer span.End()

	query := s.db.WithContext(ctx).Model(&types.FollowRequest{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var requests []types.FollowRequest
	err := paginate(query.Order("created_at desc"), limit, offset).Find(&requests).Error
	return requests, total, err
}

// LatestFollowRequest returns the newest follow request of actorID with status.
func (s *Store) LatestFollowRequest(ctx context.Context, actorID, status string) (types.FollowRequest, error) {
	ctx, span := tracer.Start(ctx, "StoreLatestFollowRequest")
	defer span.End()

	var request types.FollowRequest
	result := s.db.WithContext(ctx).
		Where("actor_id = ? AND status = ?", actorID, status).
		Order("created_at desc").
		First(&request)
	return request, result.Error
}

// ResolveFollowRequest moves a pending request to status. When actor is not
// nil the subscriber is upserted in the same transaction. It returns
// gorm.ErrRecordNotFound if no pending request with id exists.
func (s *Store) ResolveFollowRequest(ctx context.Context, id, status string, actor *types.Actor) error {
	ctx, span := tracer.Start(ctx, "StoreResolveFollowRequest")
	defer span.End()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&types.FollowRequest{}).
			Where("id = ? AND status = ?", id, types.FollowStatusPending).
			Update("status", status)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if actor != nil {
			return upsertActor(tx, *actor)
		}
		return nil
	})
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		span.RecordError(err)
	}
	return err
}

// UndoFollow deletes the follow request id sent by actorID and, when
// removeActor is set, the subscriber itself. Missing rows are not an error.
func (s *Store) UndoFollow(ctx context.Context, id, actorID string, removeActor bool) error {
	ctx, span := tracer.Start(ctx, "StoreUndoFollow")
	defer span.End()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ? AND actor_id = ?", id, actorID).Delete(&types.FollowRequest{}).Error
		if err != nil {
			return err
		}
		if !removeActor {
			return nil
		}
		return tx.Where("id = ?", actorID).Delete(&types.Actor{}).Error
	})
}

// ListDomainRules returns every domain rule in insertion order.
func (s *Store) ListDomainRules(ctx context.Context) ([]types.DomainRule, error) {
	ctx, span := tracer.Start(ctx, "StoreListDomainRules")
	defer span.End()

	var rules []types.DomainRule
	err := s.db.WithContext(ctx).Order("id").Find(&rules).Error
	return rules, err
}

// CreateDomainRule creates a domain rule.
func (s *Store) CreateDomainRule(ctx context.Context, rule types.DomainRule) (types.DomainRule, error) {
	ctx, span := tracer.Start(ctx, "StoreCreateDomainRule")
	defer span.End()

	rule.ID = 0
	result := s.db.WithContext(ctx).Create(&rule)
	return rule, result.Error
}

// DeleteDomainRule deletes a domain rule. It returns gorm.ErrRecordNotFound
// if no rule has the id.
func (s *Store) DeleteDomainRule(ctx context.Context, id uint) error {
	ctx, span := tracer.Start(ctx, "StoreDeleteDomainRule")
	defer span.End()

	result := s.db.WithContext(ctx).Delete(&types.DomainRule{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GetSetting returns a setting value, falling back to the built-in default
// when the key was never written.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	ctx, span := tracer.Start(ctx, "StoreGetSetting")
	defer span.End()

	var setting types.Setting
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return settingDefaults[key], nil
	}
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return setting.Value, nil
}

// ListSettings returns the stored settings merged over the defaults.
func (s *Store) ListSettings(ctx context.Context) (map[string]string, error) {
	ctx, span := tracer.Start(ctx, "StoreListSettings")
	defer span.End()

	var settings []types.Setting
	err := s.db.WithContext(ctx).Find(&settings).Error
	if err != nil {
		return nil, err
	}

	merged := make(map[string]string, len(settingDefaults)+len(settings))
	for key, value := range settingDefaults {
		merged[key] = value
	}
	for _, setting := range settings {
		merged[setting.Key] = setting.Value
	}
	return merged, nil
}

// SetSetting writes a setting value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	ctx, span := tracer.Start(ctx, "StoreSetSetting")
	defer span.End()

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&types.Setting{Key: key, Value: value}).Error
}
