package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario.
// Scenarios drive a fresh in-memory log through a sequence of record
// operations and protocol actions, then assert on the resulting record
// state and log retention.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Node is the node ID for locally generated action IDs.
	// If empty, defaults to "10:test" for deterministic comparison.
	Node string `yaml:"node,omitempty"`

	// Types lists the map type definitions available to the steps.
	Types []TypeDef `yaml:"types"`

	// Steps contains the operations to execute in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final record state and log retention.
	// Supported types: fields, state, reasons, entries
	Assertions []Assertion `yaml:"assertions"`
}

// TypeDef declares one map type for the scenario.
type TypeDef struct {
	Plural  string `yaml:"plural"`
	Remote  bool   `yaml:"remote,omitempty"`
	Offline bool   `yaml:"offline,omitempty"`
}

// Step is one operation in the scenario.
//
// Supported ops:
//   - "build": create a record and keep its live instance
//   - "instantiate": load a record and keep its live instance
//   - "create", "change", "delete": record operations through the
//     registry; remote types run in the background until a later
//     processed/undo step settles them
//   - "release": drop the live instance
//   - "processed": confirm the action appended by step Of
//   - "undo": reject the action appended by step Of
//   - "apply": append an action as if it arrived from another node,
//     with an explicit (time, node, counter) identity
type Step struct {
	Op     string         `yaml:"op"`
	Plural string         `yaml:"plural,omitempty"`
	ID     string         `yaml:"id,omitempty"`
	Fields map[string]any `yaml:"fields,omitempty"`

	// Of references an earlier step by index (used by processed, undo).
	Of *int `yaml:"of,omitempty"`

	// Reason is the rejection reason (used by undo).
	Reason string `yaml:"reason,omitempty"`

	// Verb names the applied action verb (used by apply):
	// created, changed, deleted, change, delete.
	Verb string `yaml:"verb,omitempty"`

	// Time, Node, Counter give the applied action its identity
	// (used by apply).
	Time    int64  `yaml:"time,omitempty"`
	Node    string `yaml:"node,omitempty"`
	Counter int64  `yaml:"counter,omitempty"`
}

// Assertion validates record state or log retention.
type Assertion struct {
	// Type specifies the assertion type:
	// - "fields": record fields match Expect (subset) and Absent are unset
	// - "state": record lifecycle state equals State
	// - "reasons": exactly Count log entries retain Reason
	// - "entries": the log holds exactly Count entries
	Type string `yaml:"type"`

	// Plural and ID name the record (used by fields, state).
	Plural string `yaml:"plural,omitempty"`
	ID     string `yaml:"id,omitempty"`

	// Expect contains expected field values (used by fields).
	// Subset match - only specified fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Absent lists field names that must be unset (used by fields).
	Absent []string `yaml:"absent,omitempty"`

	// State is the expected lifecycle state (used by state):
	// loading, loaded, failed, destroyed.
	State string `yaml:"state,omitempty"`

	// Reason is the retention tag to count (used by reasons).
	Reason string `yaml:"reason,omitempty"`

	// Count is the expected number of entries (used by reasons, entries).
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertFields  = "fields"
	AssertState   = "state"
	AssertReasons = "reasons"
	AssertEntries = "entries"
)

// Step op constants.
const (
	OpBuild       = "build"
	OpInstantiate = "instantiate"
	OpCreate      = "create"
	OpChange      = "change"
	OpDelete      = "delete"
	OpRelease     = "release"
	OpProcessed   = "processed"
	OpUndo        = "undo"
	OpApply       = "apply"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Types) == 0 {
		return fmt.Errorf("types list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	types := make(map[string]bool, len(s.Types))
	for i, def := range s.Types {
		if def.Plural == "" {
			return fmt.Errorf("types[%d]: plural is required", i)
		}
		if types[def.Plural] {
			return fmt.Errorf("types[%d]: duplicate type %q", i, def.Plural)
		}
		if !def.Remote && !def.Offline {
			return fmt.Errorf("types[%d]: at least one of remote or offline must be true", i)
		}
		types[def.Plural] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step, types); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, types); err != nil {
			return err
		}
	}

	return nil
}

// validateStep validates a single step based on its op.
func validateStep(index int, step *Step, types map[string]bool) error {
	needsRecord := func() error {
		if step.Plural == "" || step.ID == "" {
			return fmt.Errorf("steps[%d]: plural and id are required for %s", index, step.Op)
		}
		if !types[step.Plural] {
			return fmt.Errorf("steps[%d]: type %q is not declared", index, step.Plural)
		}
		return nil
	}

	switch step.Op {
	case OpBuild, OpCreate:
		if err := needsRecord(); err != nil {
			return err
		}
		if step.Fields == nil {
			return fmt.Errorf("steps[%d]: fields is required for %s (use empty map if none)", index, step.Op)
		}
	case OpChange:
		if err := needsRecord(); err != nil {
			return err
		}
		if len(step.Fields) == 0 {
			return fmt.Errorf("steps[%d]: fields is required for change", index)
		}
	case OpInstantiate, OpDelete, OpRelease:
		if err := needsRecord(); err != nil {
			return err
		}
	case OpProcessed, OpUndo:
		if step.Of == nil {
			return fmt.Errorf("steps[%d]: of is required for %s", index, step.Op)
		}
		if *step.Of < 0 || *step.Of >= index {
			return fmt.Errorf("steps[%d]: of must reference an earlier step", index)
		}
		if step.Op == OpUndo && step.Reason == "" {
			return fmt.Errorf("steps[%d]: reason is required for undo", index)
		}
	case OpApply:
		if err := needsRecord(); err != nil {
			return err
		}
		switch step.Verb {
		case "created", "changed", "deleted", "change", "delete":
		default:
			return fmt.Errorf("steps[%d]: unknown apply verb %q", index, step.Verb)
		}
		if step.Time <= 0 {
			return fmt.Errorf("steps[%d]: time must be positive for apply", index)
		}
		if step.Node == "" {
			return fmt.Errorf("steps[%d]: node is required for apply", index)
		}
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, step.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, types map[string]bool) error {
	switch a.Type {
	case AssertFields:
		if a.Plural == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: plural and id are required for fields", index)
		}
		if len(a.Expect) == 0 && len(a.Absent) == 0 {
			return fmt.Errorf("assertions[%d]: expect or absent is required for fields", index)
		}
	case AssertState:
		if a.Plural == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: plural and id are required for state", index)
		}
		switch a.State {
		case "loading", "loaded", "failed", "destroyed":
		default:
			return fmt.Errorf("assertions[%d]: unknown state %q", index, a.State)
		}
	case AssertReasons:
		if a.Reason == "" {
			return fmt.Errorf("assertions[%d]: reason is required for reasons", index)
		}
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for reasons", index)
		}
	case AssertEntries:
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for entries", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Plural != "" && !types[a.Plural] {
		return fmt.Errorf("assertions[%d]: type %q is not declared", index, a.Plural)
	}
	return nil
}
