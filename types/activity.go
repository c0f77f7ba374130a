package types

import (
	"bytes"
	"encoding/json"
)

const (
	// PublicCollection is the audience IRI meaning "visible to anyone".
	PublicCollection = "https://www.w3.org/ns/activitystreams#Public"
	// ActivityStreamsContext is the JSON-LD context of outbound activities.
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
)

// Kind is the closed set of activity types the inbox distinguishes.
type Kind int

const (
	KindOther Kind = iota
	KindFollow
	KindUndo
	KindCreate
	KindAnnounce
	KindUpdate
	KindDelete
	KindRemove
)

var kindNames = map[string]Kind{
	"Follow":   KindFollow,
	"Undo":     KindUndo,
	"Create":   KindCreate,
	"Announce": KindAnnounce,
	"Update":   KindUpdate,
	"Delete":   KindDelete,
	"Remove":   KindRemove,
}

// ParseKind maps an activity type string to a Kind. Unknown types map to KindOther.
func ParseKind(t string) Kind {
	if k, ok := kindNames[t]; ok {
		return k
	}
	return KindOther
}

// IsRelayed reports whether activities of this kind are fanned out to subscribers.
func (k Kind) IsRelayed() bool {
	switch k {
	case KindCreate, KindAnnounce, KindUpdate, KindDelete, KindRemove:
		return true
	}
	return false
}

func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return "Other"
}

// Audience is an ordered list of IRIs. It accepts both a single string and an array.
type Audience []string

func (a *Audience) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*a = nil
		return nil
	}

	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*a = Audience{single}
		return nil
	}

	var list []any
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}

	out := make(Audience, 0, len(list))
	for _, v := range list {
		// non-string entries (embedded collections) never equal an IRI
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	*a = out
	return nil
}

// Contains reports whether iri is listed.
func (a Audience) Contains(iri string) bool {
	for _, v := range a {
		if v == iri {
			return true
		}
	}
	return false
}

// Addressing holds the audience fields shared by activities and objects.
type Addressing struct {
	To       Audience `json:"to,omitempty"`
	CC       Audience `json:"cc,omitempty"`
	Bto      Audience `json:"bto,omitempty"`
	BCC      Audience `json:"bcc,omitempty"`
	Audience Audience `json:"audience,omitempty"`
}

// Targets returns every addressed IRI in to, cc, bto, bcc, audience order.
func (a Addressing) Targets() []string {
	out := make([]string, 0, len(a.To)+len(a.CC)+len(a.Bto)+len(a.BCC)+len(a.Audience))
	out = append(out, a.To...)
	out = append(out, a.CC...)
	out = append(out, a.Bto...)
	out = append(out, a.BCC...)
	out = append(out, a.Audience...)
	return out
}

// AuditableObject is the part of an embedded object the relay inspects.
type AuditableObject struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type,omitempty"`
	Actor string `json:"actor,omitempty"`
	Addressing
}

// ObjectRef is the "object" of an activity: a bare IRI, an embedded object, or absent.
type ObjectRef struct {
	IRI      string
	Embedded *AuditableObject
	raw      json.RawMessage
}

func (r *ObjectRef) UnmarshalJSON(b []byte) error {
	*r = ObjectRef{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	r.raw = append(json.RawMessage(nil), b...)

	switch b[0] {
	case '"':
		return json.Unmarshal(b, &r.IRI)
	case '{':
		var obj AuditableObject
		if err := json.Unmarshal(b, &obj); err != nil {
			// still an object, but one whose shape we do not understand
			r.Embedded = &AuditableObject{}
			return nil
		}
		r.Embedded = &obj
	}
	return nil
}

func (r ObjectRef) MarshalJSON() ([]byte, error) {
	switch {
	case r.raw != nil:
		return r.raw, nil
	case r.Embedded != nil:
		return json.Marshal(r.Embedded)
	case r.IRI != "":
		return json.Marshal(r.IRI)
	}
	return []byte("null"), nil
}

// ID returns the IRI itself, or the id of an embedded object.
func (r ObjectRef) ID() string {
	if r.Embedded != nil {
		return r.Embedded.ID
	}
	return r.IRI
}

// IsEmbedded reports whether the object is an embedded object rather than an IRI.
func (r ObjectRef) IsEmbedded() bool {
	return r.Embedded != nil
}

// Activity is an inbound ActivityPub activity.
type Activity struct {
	Context any       `json:"@context,omitempty"`
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Actor   string    `json:"actor"`
	Object  ObjectRef `json:"object"`
	Addressing
}

// Kind returns the activity's dispatch variant.
func (a Activity) Kind() Kind {
	return ParseKind(a.Type)
}

// Envelope is an outbound activity built by the relay (Accept, Reject, Follow).
type Envelope struct {
	Context any    `json:"@context"`
	ID      string `json:"id"`
	Type    string `json:"type"`
	Actor   string `json:"actor"`
	Object  any    `json:"object"`
}
