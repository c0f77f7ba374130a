package ap

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/concrnt/ccworld-ap-relay/domainblock"
	"github.com/concrnt/ccworld-ap-relay/types"
)

// RelayResult summarizes one fan-out. Success means delivery was attempted,
// not that every recipient accepted it.
type RelayResult struct {
	Success      bool
	RelayedCount int
	FailureCount int
	Duplicate    bool
}

// Deduper claims activity ids so a relayed activity is only fanned out once.
type Deduper interface {
	// Claim reports whether id was not claimed before.
	Claim(ctx context.Context, id string) (bool, error)
}

type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDeduper(rdb *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{rdb, ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, id string) (bool, error) {
	return d.rdb.SetNX(ctx, "relay:relayed:"+id, 1, d.ttl).Result()
}

// Relay fans raw out to every subscriber outside the sender's own host.
// Deliveries run concurrently, bounded by the service's delivery slots,
// and each failure is counted without affecting the others.
func (s *Service) Relay(ctx context.Context, activity types.Activity, raw []byte) (RelayResult, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Relay")
	defer span.End()

	log := s.log.With(slog.String("activity", activity.ID), slog.String("type", activity.Type), slog.String("actor", activity.Actor))

	if !IsPublic(activity) {
		log.DebugContext(ctx, "activity is not public, skipping relay")
		return RelayResult{}, nil
	}

	originHost := domainblock.ExtractDomain(activity.Actor)
	if originHost != "" {
		blocked, err := s.blocks.IsBlocked(ctx, originHost)
		if err != nil {
			span.RecordError(err)
			return RelayResult{}, err
		}
		if blocked {
			log.InfoContext(ctx, "activity from blocked domain, skipping relay")
			return RelayResult{}, nil
		}
	}

	subscribers, err := s.store.ListActors(ctx)
	if err != nil {
		span.RecordError(err)
		return RelayResult{}, err
	}
	if len(subscribers) == 0 {
		log.InfoContext(ctx, "no subscribers registered, skipping relay")
		return RelayResult{}, nil
	}

	recipients := make([]types.Actor, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if originHost != "" && domainblock.ExtractDomain(subscriber.ID) == originHost {
			continue
		}
		recipients = append(recipients, subscriber)
	}
	if len(recipients) == 0 {
		return RelayResult{}, nil
	}

	if s.dedupe != nil && activity.ID != "" {
		first, err := s.dedupe.Claim(ctx, activity.ID)
		if err != nil {
			log.WarnContext(ctx, "dedupe unavailable, relaying anyway", slog.String("error", err.Error()))
		} else if !first {
			log.InfoContext(ctx, "activity already relayed")
			return RelayResult{Duplicate: true}, nil
		}
	}

	failures := s.deliverAll(ctx, recipients, raw)

	result := RelayResult{
		Success:      true,
		RelayedCount: len(recipients) - len(failures),
		FailureCount: len(failures),
	}
	relayedDeliveries.WithLabelValues("success").Add(float64(result.RelayedCount))
	relayedDeliveries.WithLabelValues("failure").Add(float64(result.FailureCount))

	if len(failures) > 0 {
		log.WarnContext(ctx, "some deliveries failed during relay",
			slog.Int("recipients", len(recipients)),
			slog.Int("relayed", result.RelayedCount),
			slog.Int("failed", result.FailureCount),
		)
	} else {
		log.InfoContext(ctx, "activity relayed to all subscribers", slog.Int("recipients", result.RelayedCount))
	}

	return result, nil
}

// deliverAll posts body to every recipient and waits for all of them. It
// returns the inboxes that could not be delivered to. Deliveries outlive a
// cancelled inbound request.
func (s *Service) deliverAll(ctx context.Context, recipients []types.Actor, body []byte) []string {
	ctx = context.WithoutCancel(ctx)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []string
	)

	fail := func(inbox string) {
		mu.Lock()
		failures = append(failures, inbox)
		mu.Unlock()
	}

	for _, recipient := range recipients {
		inbox := recipient.DeliveryInbox()
		if err := s.slots.Acquire(ctx, 1); err != nil {
			fail(inbox)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.slots.Release(1)

			deliverCtx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
			defer cancel()

			if err := s.client.PostRaw(deliverCtx, inbox, body); err != nil {
				s.log.DebugContext(ctx, "delivery failed", slog.String("inbox", inbox), slog.String("error", err.Error()))
				fail(inbox)
			}
		}()
	}

	wg.Wait()
	return failures
}
