package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
)

// Key identifies one exception within one tenant. It is also the partition key.
type Key struct {
	TenantID    string `json:"tenant_id"`
	ExceptionID string `json:"exception_id"`
}

// NewKey creates a key.
func NewKey(tenantID, exceptionID string) Key {
	return Key{TenantID: tenantID, ExceptionID: exceptionID}
}

// Validate checks that both parts are present.
func (k Key) Validate() error {
	if strings.TrimSpace(k.TenantID) == "" {
		return exerrors.Invalid("tenant_id", "is required")
	}
	if strings.TrimSpace(k.ExceptionID) == "" {
		return exerrors.Invalid("exception_id", "is required")
	}
	return nil
}

// String returns "tenant/exception".
func (k Key) String() string {
	return k.TenantID + "/" + k.ExceptionID
}

// ActorType identifies who produced an event.
type ActorType string

// Actor types.
const (
	ActorAgent  ActorType = "agent"
	ActorUser   ActorType = "user"
	ActorSystem ActorType = "system"
)

// Valid reports whether a is a known actor type.
func (a ActorType) Valid() bool {
	switch a {
	case ActorAgent, ActorUser, ActorSystem:
		return true
	}
	return false
}

// Actor attributes an event to its producer.
type Actor struct {
	Type ActorType
	ID   string
}

// System is the actor for pipeline-generated events.
var System = Actor{Type: ActorSystem}

// Envelope is one immutable entry in an exception's event log.
type Envelope struct {
	EventID     string          `json:"event_id"`
	TenantID    string          `json:"tenant_id"`
	ExceptionID string          `json:"exception_id"`
	Type        Type            `json:"event_type"`
	ActorType   ActorType       `json:"actor_type"`
	ActorID     *string         `json:"actor_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`

	// Seq is the log position assigned by the store on append. Zero
	// before the envelope is stored.
	Seq int64 `json:"seq,omitempty"`

	// Partition is assigned by the store from the partition key.
	Partition int `json:"partition"`
}

// Key returns the envelope's partition key.
func (e Envelope) Key() Key {
	return Key{TenantID: e.TenantID, ExceptionID: e.ExceptionID}
}

// Actor returns the actor that produced the event.
func (e Envelope) Actor() Actor {
	a := Actor{Type: e.ActorType}
	if e.ActorID != nil {
		a.ID = *e.ActorID
	}
	return a
}

// String returns a short description for logs.
func (e Envelope) String() string {
	return fmt.Sprintf("%s(%s %s)", e.Type, e.EventID, e.Key())
}

// Before reports whether e sorts before other in log order: created_at,
// then event_id.
func (e Envelope) Before(other Envelope) bool {
	if !e.CreatedAt.Equal(other.CreatedAt) {
		return e.CreatedAt.Before(other.CreatedAt)
	}
	return e.EventID < other.EventID
}

// Decode unmarshals the envelope payload into T.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, &exerrors.ValidationError{
			EventType: string(env.Type),
			Field:     "payload",
			Message:   err.Error(),
		}
	}
	return v, nil
}
