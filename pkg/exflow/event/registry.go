package event

import (
	"fmt"
	"slices"
	"sync"
)

// Event groups, used to classify schemas.
const (
	GroupIngestion = "ingestion"
	GroupStage     = "stage"
	GroupPlaybook  = "playbook"
	GroupAction    = "action"
	GroupControl   = "control"
)

// Schema defines the payload contract for one event type.
type Schema struct {
	// Type is the event type (e.g., "playbook.step_completed").
	Type Type

	// Group classifies the event (ingestion, stage, playbook, action, control).
	Group string

	// Version is the schema version number.
	Version int

	// Description explains the event's purpose.
	Description string

	// New returns a zero payload to decode into.
	New func() Payload

	// Tags enable categorization.
	Tags []string
}

// Registry manages the closed catalog of event schemas.
type Registry struct {
	mu      sync.RWMutex
	schemas map[Type]*Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[Type]*Schema)}
}

// Register adds an event schema to the registry.
// If a schema with the same type exists, the higher version wins.
func (r *Registry) Register(schema *Schema) error {
	if schema.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if schema.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if schema.New == nil {
		return fmt.Errorf("payload constructor is required for %s", schema.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.schemas[schema.Type]; ok && current.Version > schema.Version {
		return nil
	}
	r.schemas[schema.Type] = schema
	return nil
}

// MustRegister adds a schema, panicking on error.
func (r *Registry) MustRegister(schema *Schema) {
	if err := r.Register(schema); err != nil {
		panic(fmt.Sprintf("failed to register event schema: %v", err))
	}
}

// Get returns the schema for an event type.
func (r *Registry) Get(t Type) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.schemas[t]
	return schema, ok
}

// Has returns true if a schema exists for the event type.
func (r *Registry) Has(t Type) bool {
	_, ok := r.Get(t)
	return ok
}

// Types returns all registered event types, sorted.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]Type, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// ListByGroup returns all schemas in a group.
func (r *Registry) ListByGroup(group string) []*Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var schemas []*Schema
	for _, schema := range r.schemas {
		if schema.Group == group {
			schemas = append(schemas, schema)
		}
	}
	slices.SortFunc(schemas, func(a, b *Schema) int {
		if a.Type < b.Type {
			return -1
		}
		if a.Type > b.Type {
			return 1
		}
		return 0
	})
	return schemas
}

// DefaultRegistry holds the full event catalog.
var DefaultRegistry = newCatalog()

func newCatalog() *Registry {
	r := NewRegistry()
	add := func(t Type, group, desc string, fn func() Payload) {
		r.MustRegister(&Schema{Type: t, Group: group, Version: 1, Description: desc, New: fn})
	}

	add(TypeExceptionIngested, GroupIngestion, "exception reported by a source system",
		func() Payload { return &ExceptionIngested{} })

	add(TypeTriageCompleted, GroupStage, "triage classified the exception",
		func() Payload { return &TriageCompleted{} })
	add(TypePolicyEvaluated, GroupStage, "policy stage reached a decision",
		func() Payload { return &PolicyEvaluated{} })

	add(TypePlaybookMatched, GroupPlaybook, "initial playbook assignment",
		func() Payload { return &PlaybookMatched{} })
	add(TypePlaybookRecalculationRequested, GroupPlaybook, "re-run playbook matching",
		func() Payload { return &PlaybookRecalculationRequested{} })
	add(TypePlaybookRecalculated, GroupPlaybook, "playbook assignment changed",
		func() Payload { return &PlaybookRecalculated{} })
	add(TypePlaybookStepCompleted, GroupPlaybook, "playbook step completed",
		func() Payload { return &PlaybookStepCompleted{} })
	add(TypePlaybookCompleted, GroupPlaybook, "all playbook steps completed",
		func() Payload { return &PlaybookCompleted{} })

	add(TypeStatusChanged, GroupAction, "exception status transitioned",
		func() Payload { return &StatusChanged{} })
	add(TypeOwnerAssigned, GroupAction, "exception owner assigned",
		func() Payload { return &OwnerAssigned{} })
	add(TypeCommentAdded, GroupAction, "comment appended",
		func() Payload { return &CommentAdded{} })
	add(TypeNotificationQueued, GroupAction, "notification handed off",
		func() Payload { return &NotificationQueued{} })
	add(TypeToolExecuted, GroupAction, "tool execution completed",
		func() Payload { return &ToolExecuted{} })

	add(TypeRetryScheduled, GroupControl, "processing attempt failed and will be retried",
		func() Payload { return &RetryScheduled{} })
	add(TypeDeadLettered, GroupControl, "event moved to the dead-letter store",
		func() Payload { return &DeadLettered{} })
	add(TypeSLAImminent, GroupControl, "SLA deadline approaching",
		func() Payload { return &SLAImminent{} })
	add(TypeValidationFailed, GroupControl, "event rejected by schema validation",
		func() Payload { return &ValidationFailed{} })

	return r
}
