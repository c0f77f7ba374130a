package apclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/concrnt/ccworld-ap-relay/signature"
	"github.com/concrnt/ccworld-ap-relay/types"
)

var tracer = otel.Tracer("apclient")

var (
	ErrActorFetchFailed = errors.New("actor fetch failed")
	ErrDeliveryFailed   = errors.New("delivery failed")
)

const (
	actorAccept    = "application/activity+json, application/ld+json"
	cacheKeyPrefix = "relay:actor:"
	maxBodySize    = 1 << 20
)

// Signer produces the signed header set for an outbound POST.
type Signer interface {
	Sign(ctx context.Context, body []byte, inbox string) (http.Header, error)
}

// ApClient resolves remote actors and delivers signed activities.
type ApClient struct {
	mc        *memcache.Client
	signer    Signer
	fetcher   *http.Client
	deliverer *http.Client
	config    types.RelayConfig
	log       *slog.Logger
}

// NewApClient returns an ApClient. mc may be nil to disable actor caching.
func NewApClient(
	mc *memcache.Client,
	signer Signer,
	config types.RelayConfig,
	log *slog.Logger,
) *ApClient {
	config = config.WithDefaults()
	transport := otelhttp.NewTransport(http.DefaultTransport)
	return &ApClient{
		mc:        mc,
		signer:    signer,
		fetcher:   &http.Client{Transport: transport, Timeout: config.FetchTimeout},
		deliverer: &http.Client{Transport: transport, Timeout: config.DeliveryTimeout},
		config:    config,
		log:       log.With("component", "apclient"),
	}
}

var _ signature.ActorResolver = (*ApClient)(nil)

// FetchActor fetches an actor document by actor IRI or key id.
func (c *ApClient) FetchActor(ctx context.Context, id string) (types.Person, error) {
	ctx, span := tracer.Start(ctx, "ApClient.FetchActor")
	defer span.End()

	actorURL := signature.StripFragment(id)

	// try cache
	if c.mc != nil {
		item, err := c.mc.Get(cacheKey(actorURL))
		if err == nil {
			var person types.Person
			if err := json.Unmarshal(item.Value, &person); err == nil {
				return person, nil
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURL, nil)
	if err != nil {
		return types.Person{}, errors.Wrapf(ErrActorFetchFailed, "%s: %v", actorURL, err)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", actorAccept)
	req.Header.Set("User-Agent", c.config.UserAgent)

	resp, err := c.fetcher.Do(req)
	if err != nil {
		span.RecordError(err)
		return types.Person{}, errors.Wrapf(ErrActorFetchFailed, "%s: %v", actorURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.Person{}, errors.Wrapf(ErrActorFetchFailed, "%s: status %d", actorURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return types.Person{}, errors.Wrapf(ErrActorFetchFailed, "%s: %v", actorURL, err)
	}

	var person types.Person
	if err := json.Unmarshal(body, &person); err != nil {
		span.RecordError(err)
		return types.Person{}, errors.Wrapf(ErrActorFetchFailed, "%s: %v", actorURL, err)
	}
	if person.ID == "" {
		person.ID = actorURL
	}

	// cache
	if c.mc != nil {
		personBytes, err := json.Marshal(person)
		if err == nil {
			err = c.mc.Set(&memcache.Item{
				Key:        cacheKey(actorURL),
				Value:      personBytes,
				Expiration: int32(c.config.ActorCacheTTL / time.Second),
			})
			if err != nil {
				c.log.WarnContext(ctx, "failed to cache actor", slog.String("actor", actorURL), slog.String("error", err.Error()))
			}
		}
	}

	return person, nil
}

// ForgetActor drops a cached actor document.
func (c *ApClient) ForgetActor(ctx context.Context, id string) bool {
	if c.mc == nil {
		return false
	}
	return c.mc.Delete(cacheKey(signature.StripFragment(id))) == nil
}

// PostToInbox serializes object and delivers it to inbox.
func (c *ApClient) PostToInbox(ctx context.Context, inbox string, object any) error {
	objectBytes, err := json.Marshal(object)
	if err != nil {
		return err
	}
	return c.PostRaw(ctx, inbox, objectBytes)
}

// PostRaw delivers an already serialized activity to inbox. Any transport
// error or non-2xx response is reported as ErrDeliveryFailed.
func (c *ApClient) PostRaw(ctx context.Context, inbox string, body []byte) error {
	ctx, span := tracer.Start(ctx, "ApClient.PostRaw")
	defer span.End()

	headers, err := c.signer.Sign(ctx, body, inbox)
	if err != nil {
		span.RecordError(err)
		return errors.Wrapf(ErrDeliveryFailed, "sign for %s: %v", inbox, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(ErrDeliveryFailed, "%s: %v", inbox, err)
	}
	for key, values := range headers {
		req.Header[key] = values
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.deliverer.Do(req)
	if err != nil {
		span.RecordError(err)
		return errors.Wrapf(ErrDeliveryFailed, "%s: %v", inbox, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	c.log.DebugContext(ctx, fmt.Sprintf("POST %s [%d]", inbox, resp.StatusCode), slog.String("body", string(respBody)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Wrapf(ErrDeliveryFailed, "%s: status %d", inbox, resp.StatusCode)
	}

	return nil
}

func cacheKey(actorURL string) string {
	// memcache keys are capped at 250 bytes with no whitespace
	sum := sha256.Sum256([]byte(actorURL))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}
