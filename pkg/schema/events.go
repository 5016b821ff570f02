package schema

// Event type constants for the state-change log.
const (
	EventInstanceStarted   = "instance_started"
	EventInstanceSuspended = "instance_suspended"
	EventInstanceResumed   = "instance_resumed"
	EventInstanceCompleted = "instance_completed"
	EventInstanceFailed    = "instance_failed"
	EventInstanceCancelled = "instance_cancelled"

	EventNodeDispatched = "node_dispatched"
	EventNodeSucceeded  = "node_succeeded"
	EventNodeFailed     = "node_failed"
	EventNodeTimedOut   = "node_timed_out"
	EventNodeRetrying   = "node_retrying"
	EventNodeSkipped    = "node_skipped"

	EventCheckpointRaised    = "checkpoint_raised"
	EventCheckpointResolved  = "checkpoint_resolved"
	EventCheckpointEscalated = "checkpoint_escalated"

	EventFanInPartial = "fan_in_partial"

	EventDistributionStarted    = "distribution_started"
	EventDistributionSucceeded  = "distribution_succeeded"
	EventDistributionFailed     = "distribution_failed"
	EventDistributionRolledBack = "distribution_rolled_back"

	EventLateResultRecorded = "late_result_recorded"
)

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstanceSuspended InstanceStatus = "suspended"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether the status absorbs all further transitions.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// NodeStatus tracks a node's progress through an instance's graph.
// ActivityStatus (below) is the per-attempt view; NodeStatus is the
// per-node view the routing table consumes.
type NodeStatus string

const (
	NodePending    NodeStatus = "pending"    // activated, awaiting dispatch
	NodeDispatched NodeStatus = "dispatched" // handed to the executor
	NodeRunning    NodeStatus = "running"
	NodeSuspended  NodeStatus = "suspended" // checkpoint raised, awaiting decision
	NodeSucceeded  NodeStatus = "succeeded"
	NodeFailed     NodeStatus = "failed" // retry budget exhausted or permanent failure
	NodeSkipped    NodeStatus = "skipped"
)

// IsTerminal reports whether the node has reached a terminal per-branch state.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeSucceeded || s == NodeFailed || s == NodeSkipped
}

// ActivityStatus represents the lifecycle state of one activity attempt.
type ActivityStatus string

const (
	ActivityPending   ActivityStatus = "pending"
	ActivityRunning   ActivityStatus = "running"
	ActivitySucceeded ActivityStatus = "succeeded"
	ActivityFailed    ActivityStatus = "failed"
	ActivityTimedOut  ActivityStatus = "timed_out"
)

// CheckpointDecision is the resolution state of a checkpoint.
type CheckpointDecision string

const (
	DecisionPending  CheckpointDecision = "pending"
	DecisionApproved CheckpointDecision = "approved"
	DecisionRejected CheckpointDecision = "rejected"
	DecisionModified CheckpointDecision = "modified"
)

// PublishOutcome is the per-target result of a distribution attempt.
type PublishOutcome string

const (
	PublishSucceeded  PublishOutcome = "succeeded"
	PublishFailed     PublishOutcome = "failed"
	PublishRolledBack PublishOutcome = "rolled_back"
)
