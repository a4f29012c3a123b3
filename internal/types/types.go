// Package types defines the shared entities of the execution core: plans and
// their steps, reasoning-loop checkpoints, idempotency entries for
// side-effecting tool calls, background executions, and self-healing records.
//
// Every entity here maps to one row-oriented table in internal/store. Status
// fields use plain string constants; fields documented as open tags (trigger
// sources, tool kinds) deliberately stay free-form strings so new categories
// do not require a schema change.
package types

import "time"

// PlanStatus represents the lifecycle state of a plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	// PlanPartial means some steps completed but others were skipped because
	// a dependency failed.
	PlanPartial PlanStatus = "partial"
)

// StepStatus represents the lifecycle state of a single plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepBlocked   StepStatus = "blocked"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepKind categorizes how a step executes. The set is closed: the executor
// dispatches through a strategy table keyed on these values.
type StepKind string

const (
	StepToolAction StepKind = "tool_action"
	StepHumanInput StepKind = "human_input"
	StepDelegation StepKind = "delegation"
	StepResearch   StepKind = "research"
	StepSynthesis  StepKind = "synthesis"
)

// Plan is one DAG decomposition of an agent goal into dependency-linked steps.
type Plan struct {
	ID      string     `json:"id"`
	AgentID string     `json:"agent_id"`
	Goal    string     `json:"goal"`
	Status  PlanStatus `json:"status"`

	// Steps in plan order. Every step id in Dependencies appears here
	// exactly once.
	Steps []PlanStep `json:"steps"`

	// Dependencies maps a step id to its prerequisite step ids.
	Dependencies map[string][]string `json:"dependencies"`

	// ParallelGroups is the layered topological partition: each group holds
	// step ids whose dependencies are all satisfied by earlier groups.
	ParallelGroups [][]string `json:"parallel_groups"`

	// Results holds the outcome of each terminal step, keyed by step id.
	Results map[string]StepOutcome `json:"results"`

	TotalSteps     int `json:"total_steps"`
	CompletedSteps int `json:"completed_steps"`
	FailedSteps    int `json:"failed_steps"`
	TokensUsed     int `json:"tokens_used"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the plan has reached a terminal status.
func (p *Plan) Terminal() bool {
	return p.Status == PlanCompleted || p.Status == PlanFailed || p.Status == PlanPartial
}

// StepByID returns a pointer into Steps for the given id, or nil.
func (p *Plan) StepByID(id string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// PlanStep is one unit of work within a plan.
type PlanStep struct {
	ID     string     `json:"id"`
	PlanID string     `json:"plan_id"`
	Kind   StepKind   `json:"kind"`
	Status StepStatus `json:"status"`

	// Order is the plan-order dispatch hint; runnable steps are dispatched
	// in ascending order. Completion order is not guaranteed.
	Order int `json:"order"`

	// DependsOn lists prerequisite step ids.
	DependsOn []string `json:"depends_on,omitempty"`

	// NonCritical steps do not skip their dependents on failure; only the
	// failing branch itself is lost.
	NonCritical bool `json:"non_critical,omitempty"`

	Description string         `json:"description"`
	Tool        string         `json:"tool,omitempty"`
	Args        map[string]any `json:"args,omitempty"`

	// Human-input steps park as blocked on a contact/channel until the
	// answer is recorded.
	Contact  string `json:"contact,omitempty"`
	Question string `json:"question,omitempty"`
	Answer   string `json:"answer,omitempty"`

	// Execution tracking.
	Attempts    []StepAttempt `json:"attempts,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	NextRetryAt time.Time     `json:"next_retry_at,omitempty"`
	SkipReason  string        `json:"skip_reason,omitempty"`
}

// Terminal reports whether the step has reached a terminal status.
func (s *PlanStep) Terminal() bool {
	return s.Status == StepCompleted || s.Status == StepFailed || s.Status == StepSkipped
}

// StepAttempt records one execution attempt of a step.
type StepAttempt struct {
	Number    int       `json:"number"`
	Outcome   string    `json:"outcome"` // success, failure
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// StepOutcome is the result delivered for one step execution.
type StepOutcome struct {
	Success    bool      `json:"success"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Progress is a display snapshot of plan execution for reporting. A partial
// plan reports exactly which steps failed or were skipped and why.
type Progress struct {
	PlanID          string            `json:"plan_id"`
	Goal            string            `json:"goal"`
	Status          PlanStatus        `json:"status"`
	TotalSteps      int               `json:"total_steps"`
	CompletedSteps  int               `json:"completed_steps"`
	FailedSteps     int               `json:"failed_steps"`
	SkippedSteps    int               `json:"skipped_steps"`
	OverallProgress float64           `json:"overall_progress"` // 0.0-1.0
	FailedReasons   map[string]string `json:"failed_reasons,omitempty"`
	SkippedReasons  map[string]string `json:"skipped_reasons,omitempty"`
	TokensUsed      int               `json:"tokens_used"`
}

// CheckpointStatus represents the lifecycle state of a checkpoint.
type CheckpointStatus string

const (
	CheckpointActive   CheckpointStatus = "active"
	CheckpointConsumed CheckpointStatus = "consumed"
	CheckpointExpired  CheckpointStatus = "expired"
)

// Checkpoint is a durable snapshot of one agent's in-flight reasoning loop.
// At most one active checkpoint exists per agent; the store enforces that,
// not the caller.
type Checkpoint struct {
	ID      string           `json:"id"`
	AgentID string           `json:"agent_id"`
	Trigger string           `json:"trigger"`
	Status  CheckpointStatus `json:"status"`
	State   LoopState        `json:"state"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoopState is the resumable payload of a reasoning loop: a plain data
// snapshot, no language-level suspension involved. Resuming re-enters the
// loop at Iteration with History intact.
type LoopState struct {
	PlanID     string         `json:"plan_id,omitempty"`
	Iteration  int            `json:"iteration"`
	History    []HistoryEntry `json:"history,omitempty"`
	TokensUsed int            `json:"tokens_used"`
}

// HistoryEntry is one accumulated conversation or action record.
type HistoryEntry struct {
	Role      string    `json:"role"` // user, assistant, tool, system
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// IdempotencyStatus represents the state of a dedup entry.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// IdempotencyEntry is the dedup record for one side-effecting tool
// invocation. The key is globally unique while the entry is unexpired.
type IdempotencyEntry struct {
	Key      string            `json:"key"`
	ToolName string            `json:"tool_name"`
	AgentID  string            `json:"agent_id"`
	Status   IdempotencyStatus `json:"status"`
	Result   string            `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExecutionStatus represents the state of a background tool invocation.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	// ExecutionStaleKilled marks an execution force-terminated because its
	// heartbeats stopped before the max timeout elapsed.
	ExecutionStaleKilled ExecutionStatus = "stale_killed"
)

// TerminalExecution reports whether the status is terminal.
func TerminalExecution(s ExecutionStatus) bool {
	return s != ExecutionRunning
}

// DeliveryStatus represents result handoff progress for a terminal execution.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryDelivering DeliveryStatus = "delivering"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryNotNeeded  DeliveryStatus = "not_needed"
)

// ExecutionSource says where the background job runs.
type ExecutionSource string

const (
	SourceInProcess ExecutionSource = "in_process"
	SourceRemote    ExecutionSource = "remote"
)

// AsyncExecution is a tool invocation that outlives the synchronous loop.
// LastActivityAt must keep advancing for the execution to be considered
// alive; a running row is never assumed to mean a live process.
type AsyncExecution struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"` // tool/CLI kind, open tag
	Source ExecutionSource `json:"source"`

	// Owning context, needed to deliver the result later.
	AgentID        string `json:"agent_id"`
	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	PlanID         string `json:"plan_id,omitempty"`
	StepID         string `json:"step_id,omitempty"`
	Workspace      string `json:"workspace,omitempty"`

	Status         ExecutionStatus `json:"status"`
	StaleThreshold time.Duration   `json:"stale_threshold"`
	MaxTimeout     time.Duration   `json:"max_timeout"`

	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`

	OutputSummary string `json:"output_summary,omitempty"`

	DeliveryStatus   DeliveryStatus `json:"delivery_status"`
	DeliveryAttempts int            `json:"delivery_attempts"`
	NextDeliveryAt   time.Time      `json:"next_delivery_at,omitempty"`
}

// Severity rates a healing incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// HealingStatus is the ordered lifecycle of a self-healing instance.
type HealingStatus string

const (
	HealingDetected         HealingStatus = "detected"
	HealingAnalyzing        HealingStatus = "analyzing"
	HealingProposingFix     HealingStatus = "proposing_fix"
	HealingAwaitingApproval HealingStatus = "awaiting_approval"
	HealingBackingUp        HealingStatus = "backing_up"
	HealingApplyingFix      HealingStatus = "applying_fix"
	HealingTesting          HealingStatus = "testing"
	HealingCompleted        HealingStatus = "completed"
	HealingRolledBack       HealingStatus = "rolled_back"
	HealingEscalated        HealingStatus = "escalated"
	HealingFailed           HealingStatus = "failed"
)

// HealingRecord is one self-healing lifecycle instance.
//
// Invariants, enforced by the supervisor's transition table:
//   - applying_fix is only entered after Backup is recorded
//   - rolled_back is only entered if Backup exists
//   - completed requires TestPassed
type HealingRecord struct {
	ID            string        `json:"id"`
	AgentID       string        `json:"agent_id"`
	Status        HealingStatus `json:"status"`
	Severity      Severity      `json:"severity"`
	TriggerSource string        `json:"trigger_source"` // open tag: hook, health_pass, ...

	Diagnosis   string `json:"diagnosis,omitempty"`
	ProposedFix string `json:"proposed_fix,omitempty"`

	// Backup snapshots the prior configuration before any fix is applied.
	Backup     string `json:"backup,omitempty"`
	AppliedFix string `json:"applied_fix,omitempty"`

	TestOutput string `json:"test_output,omitempty"`
	TestPassed bool   `json:"test_passed"`

	RollbackReason string `json:"rollback_reason,omitempty"`

	// Approval metadata, set for high severity.
	ApprovalState string    `json:"approval_state,omitempty"` // approved, denied, timeout
	ApprovedBy    string    `json:"approved_by,omitempty"`
	ApprovedAt    time.Time `json:"approved_at,omitempty"`

	// Escalation metadata, set for critical severity (and approval timeouts).
	EscalatedTo string    `json:"escalated_to,omitempty"`
	EscalatedAt time.Time `json:"escalated_at,omitempty"`

	Outcome string `json:"outcome,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
