package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/concrnt/ccworld-ap-relay/store"
	"github.com/concrnt/ccworld-ap-relay/types"
)

var tracer = otel.Tracer("worker")

const refreshLockKey = "relay:worker:refresh"

// ActorFetcher re-resolves subscriber actor documents.
type ActorFetcher interface {
	FetchActor(ctx context.Context, id string) (types.Person, error)
	ForgetActor(ctx context.Context, id string) bool
}

// Worker keeps subscriber inboxes and keys in sync with their actor documents.
type Worker struct {
	rdb     *redis.Client
	store   *store.Store
	fetcher ActorFetcher
	config  types.RelayConfig
	log     *slog.Logger
}

// NewWorker returns a Worker. rdb may be nil, in which case refreshes are
// not coordinated across replicas.
func NewWorker(rdb *redis.Client, store *store.Store, fetcher ActorFetcher, config types.RelayConfig, log *slog.Logger) *Worker {
	return &Worker{
		rdb,
		store,
		fetcher,
		config,
		log.With("component", "worker"),
	}
}

// Run starts the background workers. It returns immediately.
func (w *Worker) Run(ctx context.Context) {
	if w.config.RefreshInterval <= 0 {
		w.log.Info("subscriber refresh disabled")
		return
	}
	go w.StartRefreshWorker(ctx)
}

func (w *Worker) StartRefreshWorker(ctx context.Context) {
	w.log.Info("start refresh worker", slog.Duration("interval", w.config.RefreshInterval))

	ticker := time.NewTicker(w.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		locked, err := w.lock(ctx)
		if err != nil {
			w.log.WarnContext(ctx, "failed to take refresh lock", slog.String("error", err.Error()))
			continue
		}
		if !locked {
			continue
		}

		refreshed, err := w.Refresh(ctx)
		if err != nil {
			w.log.ErrorContext(ctx, "refresh failed", slog.String("error", err.Error()))
			continue
		}
		w.log.InfoContext(ctx, "subscribers refreshed", slog.Int("updated", refreshed))
	}
}

func (w *Worker) lock(ctx context.Context) (bool, error) {
	if w.rdb == nil {
		return true, nil
	}
	return w.rdb.SetNX(ctx, refreshLockKey, w.config.Hostname, w.config.RefreshInterval/2).Result()
}

// Refresh re-fetches every subscriber and stores changed inboxes or keys.
// Unreachable subscribers are kept as they are. It returns the number of
// updated subscribers.
func (w *Worker) Refresh(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Worker.Refresh")
	defer span.End()

	actors, err := w.store.ListActors(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	updated := 0
	for _, actor := range actors {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}

		w.fetcher.ForgetActor(ctx, actor.ID)
		person, err := w.fetcher.FetchActor(ctx, actor.ID)
		if err != nil {
			w.log.DebugContext(ctx, "failed to refresh subscriber", slog.String("actor", actor.ID), slog.String("error", err.Error()))
			continue
		}

		fresh := person.ToActor(actor.ID)
		if fresh.Inbox == "" {
			continue
		}
		if fresh.Inbox == actor.Inbox && fresh.SharedInbox == actor.SharedInbox && fresh.PublicKeyPem == actor.PublicKeyPem {
			continue
		}

		ok, err := w.store.UpdateActor(ctx, fresh)
		if err != nil {
			span.RecordError(err)
			return updated, err
		}
		if !ok {
			// unsubscribed while the document was fetched
			continue
		}
		updated++
	}

	return updated, nil
}
