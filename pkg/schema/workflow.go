package schema

import "time"

// WorkflowDefinition is the JSON-serializable pipeline format.
// Definitions are immutable once published: a new version is a new object,
// keyed by id + version.
type WorkflowDefinition struct {
	ID       string               `json:"id"`
	Version  string               `json:"version"`
	Entry    string               `json:"entry"`
	Nodes    []NodeSpec           `json:"nodes"`
	Routes   map[string][]EdgeSpec `json:"routes,omitempty"` // source node → outgoing edges
	Metadata map[string]any       `json:"metadata,omitempty"`
}

// Node returns the node with the given name, or nil.
func (d *WorkflowDefinition) Node(name string) *NodeSpec {
	for i := range d.Nodes {
		if d.Nodes[i].Name == name {
			return &d.Nodes[i]
		}
	}
	return nil
}

// NodeSpec describes a single node in a workflow definition.
type NodeSpec struct {
	Name         string            `json:"name"`
	Kind         NodeKind          `json:"kind,omitempty"` // default: activity
	Role         string            `json:"role,omitempty"` // agent role resolved via the handler registry
	Retry        *RetryPolicy      `json:"retry,omitempty"`
	Checkpoint   *CheckpointSpec   `json:"checkpoint,omitempty"`
	FanIn        *FanInSpec        `json:"fan_in,omitempty"`
	Distribution *DistributionSpec `json:"distribution,omitempty"`
}

// NodeKind enumerates the kinds of nodes in a workflow.
type NodeKind string

const (
	NodeKindActivity   NodeKind = "activity"
	NodeKindCheckpoint NodeKind = "checkpoint"
	NodeKindFanOut     NodeKind = "fan_out"
	NodeKindFanIn      NodeKind = "fan_in"
	NodeKindTerminal   NodeKind = "terminal"
)

// EdgeSpec is one outgoing edge of a node's routing entry.
// Exactly one of Target or Targets is set: Target for linear and guarded
// edges, Targets for fan-out edges. Guards are declarative expressions
// (cel: / expr: / jq: prefix, cel by default) evaluated against the source
// node's result; edges are tried in declaration order and the first match
// wins, so every guarded group must end in an unguarded default edge.
type EdgeSpec struct {
	Target    string   `json:"target,omitempty"`
	Targets   []string `json:"targets,omitempty"`
	Guard     string   `json:"guard,omitempty"`
	Transform string   `json:"transform,omitempty"` // jq expression reshaping the payload crossing this edge
	Feedback  bool     `json:"feedback,omitempty"`  // back-edge from a checkpoint rejection, exempt from the cycle check
}

// IsFanOut reports whether the edge produces multiple simultaneous successors.
func (e *EdgeSpec) IsFanOut() bool { return len(e.Targets) > 0 }

// RetryPolicy configures retry behavior for an activity node.
// Pure value, no identity. Intervals are duration strings ("500ms", "30s").
type RetryPolicy struct {
	MaxAttempts     int     `json:"max_attempts"`
	InitialInterval string  `json:"initial_interval,omitempty"`
	Multiplier      float64 `json:"multiplier,omitempty"` // default 2.0
	Timeout         string  `json:"timeout,omitempty"`    // hard per-attempt timeout
}

// ParseInitialInterval returns the initial backoff interval, or 0.
func (p *RetryPolicy) ParseInitialInterval() time.Duration {
	if p == nil || p.InitialInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(p.InitialInterval)
	if err != nil {
		return 0
	}
	return d
}

// ParseTimeout returns the per-attempt timeout, or 0 when unbounded.
func (p *RetryPolicy) ParseTimeout() time.Duration {
	if p == nil || p.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// Attempts returns the attempt budget, minimum 1.
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// BackoffMultiplier returns the configured multiplier, defaulting to 2.
func (p *RetryPolicy) BackoffMultiplier() float64 {
	if p == nil || p.Multiplier <= 0 {
		return 2.0
	}
	return p.Multiplier
}

// CheckpointSpec configures a checkpoint node: how long a pending decision
// may wait and what happens when the deadline passes.
type CheckpointSpec struct {
	Deadline   string           `json:"deadline,omitempty"` // duration string; empty = no deadline
	Escalation EscalationPolicy `json:"escalation,omitempty"`
}

// ParseDeadline returns the decision deadline as a duration, or 0.
func (c *CheckpointSpec) ParseDeadline() time.Duration {
	if c == nil || c.Deadline == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Deadline)
	if err != nil {
		return 0
	}
	return d
}

// EscalationPolicy is the configured reaction to an overdue checkpoint.
type EscalationPolicy string

const (
	EscalateAutoApprove EscalationPolicy = "auto_approve"
	EscalateAutoReject  EscalationPolicy = "auto_reject"
	EscalatePage        EscalationPolicy = "page" // emit an event, leave the checkpoint pending
)

// FanInSpec declares the predecessor branches a fan-in node converges.
// The node becomes eligible only when every predecessor has reached a
// terminal per-branch state.
type FanInSpec struct {
	Predecessors []string `json:"predecessors"`
	FailFast     bool     `json:"fail_fast,omitempty"` // any permanently-failed branch fails the instance
}

// DistributionSpec attaches publish targets to a terminal node.
type DistributionSpec struct {
	Targets []DistributionTarget `json:"targets"`
}

// DistributionTarget is one external publish destination.
// CredentialsRef is an opaque vault handle; the engine never holds the
// raw secret value.
type DistributionTarget struct {
	Kind           string `json:"kind"` // publisher registry key (e.g. "oci", "npm", "s3")
	Name           string `json:"name,omitempty"`
	Endpoint       string `json:"endpoint,omitempty"`
	CredentialsRef string `json:"credentials_ref,omitempty"`
}

// TargetKey returns a stable identifier for a target within a result set.
func (t DistributionTarget) TargetKey() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Kind + ":" + t.Endpoint
}
