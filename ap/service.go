package ap

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/concrnt/ccworld-ap-relay/domainblock"
	"github.com/concrnt/ccworld-ap-relay/signature"
	"github.com/concrnt/ccworld-ap-relay/store"
	"github.com/concrnt/ccworld-ap-relay/types"
)

var ErrInvalidActivity = errors.New("invalid activity")

// Client is the outbound side of the relay: actor resolution and signed delivery.
type Client interface {
	FetchActor(ctx context.Context, id string) (types.Person, error)
	PostToInbox(ctx context.Context, inbox string, object any) error
	PostRaw(ctx context.Context, inbox string, body []byte) error
}

type Service struct {
	store  *store.Store
	blocks *domainblock.Engine
	client Client
	dedupe Deduper
	codec  *signature.Codec
	info   types.NodeInfo
	config types.RelayConfig
	log    *slog.Logger
	slots  *semaphore.Weighted
}

// NewService returns a Service. dedupe may be nil to relay every copy of an activity.
func NewService(
	store *store.Store,
	blocks *domainblock.Engine,
	client Client,
	dedupe Deduper,
	codec *signature.Codec,
	info types.NodeInfo,
	config types.RelayConfig,
	log *slog.Logger,
) *Service {
	config = config.WithDefaults()
	return &Service{
		store,
		blocks,
		client,
		dedupe,
		codec,
		info,
		config,
		log.With("component", "ap"),
		semaphore.NewWeighted(config.DeliveryConcurrency),
	}
}

// Actor returns the relay's own actor document.
func (s *Service) Actor(ctx context.Context) (types.Person, error) {
	_, span := tracer.Start(ctx, "Ap.Service.Actor")
	defer span.End()

	publicKey := signature.NormalizePrivateKey(s.config.PublicKey)
	if publicKey == "" {
		derived, err := s.codec.PublicKeyPem()
		if err != nil {
			span.RecordError(err)
			return types.Person{}, err
		}
		publicKey = derived
	}

	base := "https://" + s.config.Hostname
	return types.Person{
		Context: []string{
			types.ActivityStreamsContext,
			"https://w3id.org/security/v1",
		},
		ID:                s.config.ActorID(),
		Type:              "Application",
		PreferredUsername: "relay",
		Name:              s.info.Metadata.NodeName,
		Summary:           s.info.Metadata.NodeDescription,
		Inbox:             base + "/inbox",
		Outbox:            base + "/outbox",
		Endpoints: &types.PersonEndpoints{
			SharedInbox: base + "/inbox",
		},
		PublicKey: &types.Key{
			ID:           s.codec.KeyID(),
			Type:         "Key",
			Owner:        s.config.ActorID(),
			PublicKeyPem: publicKey,
		},
	}, nil
}

func (s *Service) WebFinger(ctx context.Context, resource string) (types.WebFinger, error) {
	_, span := tracer.Start(ctx, "Ap.Service.WebFinger")
	defer span.End()

	split := strings.Split(resource, ":")
	if len(split) != 2 {
		return types.WebFinger{}, errors.New("invalid resource")
	}
	rt, id := split[0], split[1]
	if rt != "acct" {
		return types.WebFinger{}, errors.New("invalid resource type")
	}

	split = strings.Split(id, "@")
	if len(split) != 2 {
		return types.WebFinger{}, errors.New("invalid resource")
	}
	username, domain := split[0], split[1]
	if domain != s.config.Hostname || username != "relay" {
		return types.WebFinger{}, errors.New("resource not found")
	}

	return types.WebFinger{
		Subject: resource,
		Links: []types.WebFingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: s.config.ActorID(),
			},
		},
	}, nil
}

func (s *Service) NodeInfo(ctx context.Context) (types.NodeInfo, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.NodeInfo")
	defer span.End()

	count, err := s.store.CountActors(ctx)
	if err != nil {
		span.RecordError(err)
		return types.NodeInfo{}, err
	}

	info := s.info
	info.Usage.Users.Total = count
	return info, nil
}

func (s *Service) NodeInfoWellKnown(ctx context.Context) (types.WellKnown, error) {
	_, span := tracer.Start(ctx, "Ap.Service.NodeInfoWellKnown")
	defer span.End()
	return types.WellKnown{
		Links: []types.WellKnownLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				Href: "https://" + s.config.Hostname + "/nodeinfo/2.1.json",
			},
		},
	}, nil
}

// HostMeta returns the XRD document pointing webfinger lookups at this host.
func (s *Service) HostMeta(ctx context.Context) string {
	_, span := tracer.Start(ctx, "Ap.Service.HostMeta")
	defer span.End()

	return `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="https://` + s.config.Hostname + `/.well-known/webfinger?resource={uri}"/>
</XRD>
`
}
