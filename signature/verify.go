package signature

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/concrnt/ccworld-ap-relay/types"
)

// Verifier checks inbound signatures against the signer's published key.
type Verifier struct {
	resolver ActorResolver
}

// NewVerifier returns a Verifier resolving keys through resolver.
func NewVerifier(resolver ActorResolver) *Verifier {
	return &Verifier{resolver: resolver}
}

// Result is the outcome of a well-formed signature check.
type Result struct {
	Valid  bool
	KeyID  string
	Signer types.Person
}

// ParseHeader splits a Signature header into its key="value" parameters.
func ParseHeader(header string) (map[string]string, error) {
	if header == "" {
		return nil, errors.Wrap(ErrMalformedSignature, "no Signature header")
	}

	params := make(map[string]string)
	for _, param := range strings.Split(header, ",") {
		idx := strings.Index(param, "=")
		if strings.TrimSpace(param) == "" || idx < 0 {
			return nil, errors.Wrapf(ErrMalformedSignature, "invalid parameter %q", param)
		}

		key := strings.TrimSpace(param[:idx])
		value := strings.TrimSpace(param[idx+1:])
		if key == "" {
			return nil, errors.Wrapf(ErrMalformedSignature, "invalid parameter %q", param)
		}

		if strings.HasPrefix(value, `"`) {
			if len(value) < 2 || !strings.HasSuffix(value, `"`) {
				return nil, errors.Wrapf(ErrMalformedSignature, "unterminated value for %s", key)
			}
			value = strings.ReplaceAll(value[1:len(value)-1], `\"`, `"`)
		}

		params[key] = value
	}

	return params, nil
}

// BuildSigningString joins "name: value" lines in the order of names.
// (request-target) expands to "{method} {target}" with a lowercased method.
func BuildSigningString(method, target string, names []string, header func(name string) string) string {
	lines := make([]string, 0, len(names))
	for _, name := range names {
		if name == "(request-target)" {
			lines = append(lines, "(request-target): "+strings.ToLower(method)+" "+target)
			continue
		}
		lower := strings.ToLower(name)
		lines = append(lines, lower+": "+header(lower))
	}
	return strings.Join(lines, "\n")
}

// Verify checks the Signature header of an inbound request. body is the raw
// request body. Errors are returned only for a malformed header or an
// unresolvable signer; a signature that does not match yields Valid=false.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) (Result, error) {
	ctx, span := tracer.Start(ctx, "Signature.Verifier.Verify")
	defer span.End()

	params, err := ParseHeader(r.Header.Get("Signature"))
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	keyID := params["keyId"]
	if keyID == "" {
		return Result{}, errors.Wrap(ErrMalformedSignature, "keyId missing")
	}
	if params["signature"] == "" {
		return Result{}, errors.Wrap(ErrMalformedSignature, "signature missing")
	}
	headers := strings.Fields(params["headers"])
	if len(headers) == 0 {
		return Result{}, errors.Wrap(ErrMalformedSignature, "signature headers missing")
	}

	if v.resolver == nil {
		return Result{}, errors.Wrap(ErrActorUnresolvable, "no actor resolver")
	}

	actorID := StripFragment(keyID)
	signer, pub, err := v.resolveKey(ctx, actorID)
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}

	result := Result{KeyID: keyID, Signer: signer}
	result.Valid = checkSignature(r, body, headers, params["signature"], pub)
	if result.Valid {
		return result, nil
	}

	// the key may have rotated since the document was cached
	if v.resolver.ForgetActor(ctx, actorID) {
		signer, pub, err = v.resolveKey(ctx, actorID)
		if err != nil {
			span.RecordError(err)
			return Result{}, err
		}
		result.Signer = signer
		result.Valid = checkSignature(r, body, headers, params["signature"], pub)
	}

	return result, nil
}

func (v *Verifier) resolveKey(ctx context.Context, actorID string) (types.Person, *rsa.PublicKey, error) {
	signer, err := v.resolver.FetchActor(ctx, actorID)
	if err != nil {
		return types.Person{}, nil, errors.Wrapf(ErrActorUnresolvable, "fetch %s: %v", actorID, err)
	}

	pem := signer.GetPublicKeyPem()
	if pem == "" {
		return types.Person{}, nil, errors.Wrapf(ErrActorUnresolvable, "actor %s has no public key", actorID)
	}

	pub, err := ParsePublicKey(pem)
	if err != nil {
		return types.Person{}, nil, errors.Wrapf(ErrActorUnresolvable, "actor %s: %v", actorID, err)
	}

	return signer, pub, nil
}

func checkSignature(r *http.Request, body []byte, headers []string, signature string, pub *rsa.PublicKey) bool {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	if !digestMatches(r, body, headers) {
		return false
	}

	s := BuildSigningString(r.Method, requestTarget(r.URL), headers, func(name string) string {
		if name == "host" {
			// net/http moves Host out of the header map on the server side
			if h := r.Header.Get("Host"); h != "" {
				return h
			}
			return r.Host
		}
		return strings.Join(r.Header.Values(name), ", ")
	})

	hash := sha256.Sum256([]byte(s))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, hash[:], raw) == nil
}

// digestMatches checks a signed SHA-256 Digest header against the body.
// Unsigned or absent digests are left to the signature itself.
func digestMatches(r *http.Request, body []byte, headers []string) bool {
	signed := false
	for _, h := range headers {
		if strings.EqualFold(h, "digest") {
			signed = true
			break
		}
	}

	digest := r.Header.Get("Digest")
	if !signed || digest == "" || body == nil {
		return true
	}

	const prefix = "sha-256="
	if len(digest) <= len(prefix) || !strings.EqualFold(digest[:len(prefix)], prefix) {
		return false
	}

	expected, err := base64.StdEncoding.DecodeString(digest[len(prefix):])
	if err != nil {
		return false
	}

	hash := sha256.Sum256(body)
	return bytes.Equal(hash[:], expected)
}

func requestTarget(u *url.URL) string {
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	return u.Path
}

// StripFragment removes a #fragment from a key id.
func StripFragment(keyID string) string {
	if i := strings.Index(keyID, "#"); i >= 0 {
		return keyID[:i]
	}
	return keyID
}
