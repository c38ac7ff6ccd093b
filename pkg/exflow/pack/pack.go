// Package pack holds tenant configuration packs: the playbooks, tool
// allow-lists, status transition tables and pack metadata the playbook
// engine evaluates against.
//
// Packs are versioned and read-only once loaded. The engine reads them
// through a Provider as per-domain Snapshots; Cache provides the explicit
// (tenant, version) read-through cache, switched only by Activate.
package pack

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
	"github.com/randalmurphal/exflow/pkg/exflow/event"
	"github.com/randalmurphal/exflow/pkg/exflow/exception"
)

// Sentinel errors.
var (
	ErrPackNotFound  = errors.New("pack not found")
	ErrNoActivePack  = errors.New("no active pack for tenant")
	ErrTenantMissing = errors.New("tenant id is required")
)

// ActionType is the closed vocabulary of step actions.
type ActionType string

// Step actions.
const (
	ActionNotify      ActionType = "notify"
	ActionAssignOwner ActionType = "assign_owner"
	ActionSetStatus   ActionType = "set_status"
	ActionAddComment  ActionType = "add_comment"
	ActionCallTool    ActionType = "call_tool"
)

// ActionTypes lists every action type.
var ActionTypes = []ActionType{ActionNotify, ActionAssignOwner, ActionSetStatus, ActionAddComment, ActionCallTool}

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	return slices.Contains(ActionTypes, a)
}

// Conditions is a playbook's match predicate. Every set field must hold;
// unset fields always hold.
type Conditions struct {
	Domain                string   `yaml:"domain,omitempty" json:"domain,omitempty"`
	ExceptionType         string   `yaml:"exception_type,omitempty" json:"exception_type,omitempty"`
	Severity              string   `yaml:"severity,omitempty" json:"severity,omitempty"`
	SeverityIn            []string `yaml:"severity_in,omitempty" json:"severity_in,omitempty"`
	SLAMinutesRemainingLT *float64 `yaml:"sla_minutes_remaining_lt,omitempty" json:"sla_minutes_remaining_lt,omitempty"`
	PolicyTags            []string `yaml:"policy_tags,omitempty" json:"policy_tags,omitempty"`

	// Priority ranks matching playbooks, highest first. Default 0.
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// Step is one ordered action of a playbook.
type Step struct {
	StepID     string         `yaml:"id,omitempty" json:"step_id"`
	StepOrder  int            `yaml:"order" json:"step_order"`
	Name       string         `yaml:"name" json:"name"`
	ActionType ActionType     `yaml:"action_type" json:"action_type"`
	Params     map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// Auto lets the pipeline complete the step without a user command.
	Auto bool `yaml:"auto,omitempty" json:"auto,omitempty"`

	// NonIdempotent routes failures straight to manual review instead of
	// automatic retry.
	NonIdempotent bool `yaml:"non_idempotent,omitempty" json:"non_idempotent,omitempty"`
}

// Playbook is a versioned, ordered remediation workflow.
type Playbook struct {
	ID         int64      `yaml:"id" json:"playbook_id"`
	TenantID   string     `yaml:"tenant_id,omitempty" json:"tenant_id"`
	Name       string     `yaml:"name" json:"name"`
	Version    int        `yaml:"version" json:"version"`
	Conditions Conditions `yaml:"conditions" json:"conditions"`
	Steps      []Step     `yaml:"steps" json:"steps"`

	// Deactivated playbooks are never matched, and exceptions still
	// assigned to one are treated as unassigned.
	Deactivated bool `yaml:"deactivated,omitempty" json:"deactivated,omitempty"`
}

// Active reports whether the playbook may be matched and executed.
func (p *Playbook) Active() bool {
	return !p.Deactivated
}

// Step returns the step with the given order.
func (p *Playbook) Step(order int) (Step, bool) {
	for _, s := range p.Steps {
		if s.StepOrder == order {
			return s, true
		}
	}
	return Step{}, false
}

// LastStep returns the highest step order, or 0 for an empty playbook.
func (p *Playbook) LastStep() int {
	last := 0
	for _, s := range p.Steps {
		last = max(last, s.StepOrder)
	}
	return last
}

// Pack is one tenant's configuration at one version.
type Pack struct {
	TenantID          string                    `yaml:"tenant_id" json:"tenant_id"`
	Version           int                       `yaml:"version" json:"version"`
	Active            bool                      `yaml:"active,omitempty" json:"active,omitempty"`
	Playbooks         []Playbook                `yaml:"playbooks" json:"playbooks"`
	AllowedTools      []string                  `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	StatusTransitions map[string][]string       `yaml:"status_transitions,omitempty" json:"status_transitions,omitempty"`
	DomainPacks       map[string]map[string]any `yaml:"domain_packs,omitempty" json:"domain_packs,omitempty"`
	PolicyPack        map[string]any            `yaml:"policy_pack,omitempty" json:"policy_pack,omitempty"`
}

// normalize fills derived fields: playbook tenant IDs, step IDs and step
// order.
func (p *Pack) normalize() {
	for i := range p.Playbooks {
		pb := &p.Playbooks[i]
		if pb.TenantID == "" {
			pb.TenantID = p.TenantID
		}
		if pb.Version == 0 {
			pb.Version = 1
		}
		sort.SliceStable(pb.Steps, func(a, b int) bool {
			return pb.Steps[a].StepOrder < pb.Steps[b].StepOrder
		})
		for j := range pb.Steps {
			if pb.Steps[j].StepID == "" {
				pb.Steps[j].StepID = fmt.Sprintf("pb-%d-step-%d", pb.ID, pb.Steps[j].StepOrder)
			}
		}
	}
}

// Validate checks the pack for structural errors.
func (p *Pack) Validate() error {
	var errs []error
	if p.TenantID == "" {
		errs = append(errs, ErrTenantMissing)
	}
	if p.Version < 1 {
		errs = append(errs, exerrors.Invalid("version", "must be >= 1"))
	}
	if _, err := exception.FromStrings(p.StatusTransitions); err != nil {
		errs = append(errs, fmt.Errorf("status_transitions: %w", err))
	}

	seen := map[int64]bool{}
	for _, pb := range p.Playbooks {
		if pb.ID <= 0 {
			errs = append(errs, exerrors.Invalid("playbooks.id", "playbook %q needs a positive id", pb.Name))
			continue
		}
		if seen[pb.ID] {
			errs = append(errs, exerrors.Invalid("playbooks.id", "duplicate playbook id %d", pb.ID))
		}
		seen[pb.ID] = true
		if pb.TenantID != "" && pb.TenantID != p.TenantID {
			errs = append(errs, exerrors.Invalid("playbooks.tenant_id", "playbook %d belongs to tenant %q", pb.ID, pb.TenantID))
		}
		errs = append(errs, p.validatePlaybook(pb)...)
	}
	return errors.Join(errs...)
}

func (p *Pack) validatePlaybook(pb Playbook) []error {
	var errs []error
	c := pb.Conditions
	if c.Severity != "" {
		if _, err := event.ParseSeverity(c.Severity); err != nil {
			errs = append(errs, fmt.Errorf("playbook %d: %w", pb.ID, err))
		}
	}
	for _, s := range c.SeverityIn {
		if _, err := event.ParseSeverity(s); err != nil {
			errs = append(errs, fmt.Errorf("playbook %d: %w", pb.ID, err))
		}
	}
	if c.SLAMinutesRemainingLT != nil && *c.SLAMinutesRemainingLT < 0 {
		errs = append(errs, exerrors.Invalid("sla_minutes_remaining_lt", "playbook %d: must be >= 0", pb.ID))
	}

	for i, s := range pb.Steps {
		if s.StepOrder != i+1 {
			errs = append(errs, exerrors.Invalid("steps.order", "playbook %d: steps must be numbered 1..n, got %d at position %d", pb.ID, s.StepOrder, i+1))
		}
		if !s.ActionType.Valid() {
			errs = append(errs, exerrors.Invalid("steps.action_type", "playbook %d step %d: unknown action %q", pb.ID, s.StepOrder, s.ActionType))
			continue
		}
		if s.ActionType == ActionCallTool {
			if tool, ok := s.Params["tool_id"].(string); ok && !strings.Contains(tool, "{") && !slices.Contains(p.AllowedTools, tool) {
				errs = append(errs, exerrors.Invalid("steps.params.tool_id", "playbook %d step %d: tool %q is not allowed", pb.ID, s.StepOrder, tool))
			}
		}
		if s.ActionType == ActionSetStatus {
			if st, ok := s.Params["status"].(string); ok && !strings.Contains(st, "{") {
				if _, err := event.ParseStatus(st); err != nil {
					errs = append(errs, fmt.Errorf("playbook %d step %d: %w", pb.ID, s.StepOrder, err))
				}
			}
		}
	}
	return errs
}

// Snapshot returns the read-only view of the pack for one domain.
func (p *Pack) Snapshot(domain string) *Snapshot {
	transitions, err := exception.FromStrings(p.StatusTransitions)
	if err != nil || len(transitions) == 0 {
		transitions = exception.DefaultTransitions
	}
	return &Snapshot{
		TenantID:     p.TenantID,
		Domain:       domain,
		Version:      p.Version,
		Playbooks:    slices.Clone(p.Playbooks),
		AllowedTools: slices.Clone(p.AllowedTools),
		Transitions:  transitions,
		DomainPack:   p.DomainPacks[domain],
		PolicyPack:   p.PolicyPack,
	}
}

// Snapshot is the configuration an engine call evaluates against. It must
// not be modified.
type Snapshot struct {
	TenantID     string
	Domain       string
	Version      int
	Playbooks    []Playbook
	AllowedTools []string
	Transitions  exception.Transitions
	DomainPack   map[string]any
	PolicyPack   map[string]any
}

// Playbook returns the playbook with id, if present.
func (s *Snapshot) Playbook(id int64) (*Playbook, bool) {
	for i := range s.Playbooks {
		if s.Playbooks[i].ID == id {
			return &s.Playbooks[i], true
		}
	}
	return nil, false
}

// ToolAllowed reports whether toolID is on the allow-list.
func (s *Snapshot) ToolAllowed(toolID string) bool {
	return slices.Contains(s.AllowedTools, toolID)
}
