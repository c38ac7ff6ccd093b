package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"time"

	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
)

// Option configures envelope construction.
type Option func(*options)

type options struct {
	eventID   string
	createdAt time.Time
	now       func() time.Time
}

// WithEventID sets the event ID instead of generating one.
func WithEventID(id string) Option {
	return func(o *options) {
		o.eventID = id
	}
}

// WithTimestamp sets created_at explicitly.
func WithTimestamp(t time.Time) Option {
	return func(o *options) {
		o.createdAt = t
	}
}

// WithClock sets the clock used when no timestamp is given.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Validate checks an event against its schema and returns a complete
// envelope. The payload may be a catalog struct, a map, or raw JSON; it is
// strictly decoded into the registered payload type and stored in canonical
// form. All failures are *errors.ValidationError.
func (r *Registry) Validate(key Key, t Type, actor Actor, payload any, opts ...Option) (Envelope, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if err := key.Validate(); err != nil {
		return Envelope{}, withType(err, t)
	}
	if !actor.Type.Valid() {
		return Envelope{}, withType(exerrors.Invalid("actor_type", "unknown actor type %q", string(actor.Type)), t)
	}

	canonical, err := r.decode(t, payload)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		EventID:     o.eventID,
		TenantID:    key.TenantID,
		ExceptionID: key.ExceptionID,
		Type:        t,
		ActorType:   actor.Type,
		Payload:     canonical,
		CreatedAt:   o.createdAt,
	}
	if actor.ID != "" {
		id := actor.ID
		env.ActorID = &id
	}
	if env.EventID == "" {
		env.EventID = NewID()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = o.now()
	}
	env.CreatedAt = env.CreatedAt.UTC()
	return env, nil
}

// Check re-validates a stored or received envelope.
func (r *Registry) Check(env Envelope) error {
	if env.EventID == "" {
		return withType(exerrors.Invalid("event_id", "is required"), env.Type)
	}
	if err := env.Key().Validate(); err != nil {
		return withType(err, env.Type)
	}
	if !env.ActorType.Valid() {
		return withType(exerrors.Invalid("actor_type", "unknown actor type %q", string(env.ActorType)), env.Type)
	}
	if env.CreatedAt.IsZero() {
		return withType(exerrors.Invalid("created_at", "is required"), env.Type)
	}
	_, err := r.decode(env.Type, env.Payload)
	return err
}

func (r *Registry) decode(t Type, payload any) (json.RawMessage, error) {
	schema, ok := r.Get(t)
	if !ok {
		return nil, &exerrors.ValidationError{EventType: string(t), Field: "event_type", Message: "unknown event type"}
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, &exerrors.ValidationError{EventType: string(t), Field: "payload", Message: err.Error()}
	}

	p := schema.New()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, &exerrors.ValidationError{EventType: string(t), Field: "payload", Message: err.Error()}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &exerrors.ValidationError{EventType: string(t), Field: "payload", Message: "trailing data after payload"}
	}
	if err := p.Validate(); err != nil {
		return nil, withType(err, t)
	}

	canonical, err := json.Marshal(p)
	if err != nil {
		return nil, &exerrors.ValidationError{EventType: string(t), Field: "payload", Message: err.Error()}
	}
	return canonical, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return []byte("{}"), nil
		}
		return p, nil
	case []byte:
		if len(p) == 0 {
			return []byte("{}"), nil
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}

func withType(err error, t Type) error {
	var ve *exerrors.ValidationError
	if errors.As(err, &ve) {
		out := *ve
		out.EventType = string(t)
		return &out
	}
	return err
}

// New validates against DefaultRegistry.
func New(key Key, t Type, actor Actor, payload any, opts ...Option) (Envelope, error) {
	return DefaultRegistry.Validate(key, t, actor, payload, opts...)
}

// Check re-validates env against DefaultRegistry.
func Check(env Envelope) error {
	return DefaultRegistry.Check(env)
}
