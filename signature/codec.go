// Package signature signs outbound deliveries and verifies inbound
// draft-cavage HTTP signatures (RSA-SHA256).
package signature

import (
	"bytes"
	"context"
	"crypto/rsa"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/totegamma/httpsig"
	"go.opentelemetry.io/otel"

	"github.com/concrnt/ccworld-ap-relay/types"
)

var tracer = otel.Tracer("signature")

var (
	ErrMalformedSignature = errors.New("malformed signature")
	ErrActorUnresolvable  = errors.New("signer actor unresolvable")
	ErrKeyUnavailable     = errors.New("no private key configured")
)

// SignedHeaders is the fixed header list of every outbound signature.
var SignedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}

// ActorResolver resolves a key owner's actor document.
type ActorResolver interface {
	FetchActor(ctx context.Context, id string) (types.Person, error)
	// ForgetActor drops a cached document and reports whether one was cached.
	ForgetActor(ctx context.Context, id string) bool
}

// Codec holds the relay's signing key. It is immutable after construction
// and safe for concurrent use.
type Codec struct {
	keyID      string
	userAgent  string
	privateKey *rsa.PrivateKey
	now        func() time.Time
}

// NewCodec returns a Codec for the relay described by config. A missing
// private key is not an error here; Sign reports ErrKeyUnavailable instead.
func NewCodec(config types.RelayConfig) (*Codec, error) {
	config = config.WithDefaults()
	c := &Codec{
		keyID:     config.KeyID(),
		userAgent: config.UserAgent,
		now:       time.Now,
	}

	raw := NormalizePrivateKey(config.PrivateKey)
	if raw == "" {
		return c, nil
	}

	priv, err := ParsePrivateKey(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid relay private key")
	}
	c.privateKey = priv
	return c, nil
}

// KeyID returns the keyId placed in outbound signatures.
func (c *Codec) KeyID() string {
	return c.keyID
}

// PublicKeyPem derives the PEM encoded public half of the relay key.
func (c *Codec) PublicKeyPem() (string, error) {
	if c.privateKey == nil {
		return "", ErrKeyUnavailable
	}
	return EncodePublicKey(&c.privateKey.PublicKey)
}

// Sign returns the header set for POSTing body to inbox: Host, Date, Digest
// and Signature over "(request-target) host date digest", plus the static
// Accept, Cache-Control, Content-Type and User-Agent headers.
func (c *Codec) Sign(ctx context.Context, body []byte, inbox string) (http.Header, error) {
	_, span := tracer.Start(ctx, "Signature.Codec.Sign")
	defer span.End()

	if c.privateKey == nil {
		span.RecordError(ErrKeyUnavailable)
		return nil, ErrKeyUnavailable
	}

	target, err := url.Parse(inbox)
	if err != nil || target.Host == "" {
		return nil, errors.Errorf("invalid inbox url: %q", inbox)
	}

	// a throwaway request carries the headers through the signer
	req, err := http.NewRequest(http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Date", c.now().UTC().Format(http.TimeFormat))

	prefs := []httpsig.Algorithm{httpsig.RSA_SHA256}
	signer, _, err := httpsig.NewSigner(prefs, httpsig.DigestSha256, SignedHeaders, httpsig.Signature, 0)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if body == nil {
		body = []byte{}
	}
	err = signer.SignRequest(c.privateKey, c.keyID, req, body)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to sign request")
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("Cache-Control", "max-age=0")
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("User-Agent", c.userAgent)

	return req.Header, nil
}
