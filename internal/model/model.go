// Package model holds the data-model types shared by every component:
// one Go struct per table named in the persisted-state layout, plus the
// enums that constrain their fields.
package model

import "time"

// ObservationKind is the coarse semantic type of an observation.
type ObservationKind string

const (
	KindChange       ObservationKind = "change"
	KindReference    ObservationKind = "reference"
	KindFinding      ObservationKind = "finding"
	KindDecision     ObservationKind = "decision"
	KindVerification ObservationKind = "verification"
)

// Classification is the LLM-assigned fine label.
type Classification string

const (
	ClassUnset     Classification = "unset"
	ClassDiscovery Classification = "discovery"
	ClassProblem   Classification = "problem"
	ClassSolution  Classification = "solution"
	ClassNoise     Classification = "noise"
)

// Observation is the atomic unit of captured knowledge.
type Observation struct {
	ID               string
	ProjectHash      string
	SessionID        string
	Title            string
	Content          string
	Source           string
	Kind             ObservationKind
	Classification   Classification
	EmbeddingModel   string
	EmbeddingVersion string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

func (o *Observation) IsDeleted() bool { return o.DeletedAt != nil }

// Embedding is a fixed-dimension float vector 1:1 with an observation.
type Embedding struct {
	ObservationID string
	Vector        []float32
	Model         string
	CreatedAt     time.Time
}

// Session is a conversation unit.
type Session struct {
	ID          string
	ProjectHash string
	StartedAt   time.Time
	EndedAt     *time.Time
	Summary     string
	EWMAMean    float64
	EWMAVar     float64
}

// NodeType enumerates knowledge-graph entity types.
type NodeType string

const (
	NodeFile     NodeType = "File"
	NodeProject  NodeType = "Project"
	NodeDecision NodeType = "Decision"
	NodeProblem  NodeType = "Problem"
	NodeSolution NodeType = "Solution"
	NodeRef      NodeType = "Reference"
)

// GraphNode is a typed entity identified by (type, normalized name, project).
type GraphNode struct {
	ID              string
	ProjectHash     string
	Type            NodeType
	Name            string
	NormalizedName  string
	Confidence      float64
	Metadata        map[string]string
	ObservationIDs  []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EdgeType enumerates directed relationship types between graph nodes.
type EdgeType string

const (
	EdgeRelatedTo EdgeType = "related_to"
	EdgeSolvedBy  EdgeType = "solved_by"
	EdgeCausedBy  EdgeType = "caused_by"
	EdgeModifies  EdgeType = "modifies"
	EdgeInformed  EdgeType = "informed_by"
	EdgeRefs      EdgeType = "references"
	EdgeVerified  EdgeType = "verified_by"
	EdgePreceded  EdgeType = "preceded_by"
)

// MaxDegree is the hard per-node in+out degree cap enforced on insert.
const MaxDegree = 50

// AllNodeTypes lists every entity type the duplicate-detection and stats
// sweeps iterate over.
var AllNodeTypes = []NodeType{NodeFile, NodeProject, NodeDecision, NodeProblem, NodeSolution, NodeRef}

// GraphEdge is a typed directed relationship between two graph nodes.
type GraphEdge struct {
	ID          string
	ProjectHash string
	Source      string
	Target      string
	Type        EdgeType
	Weight      float64
	Metadata    map[string]string
	CreatedAt   time.Time
}

// StashStatus tracks whether a context stash has been resumed.
type StashStatus string

const (
	StashStashed StashStatus = "stashed"
	StashResumed StashStatus = "resumed"
)

// ObservationSnapshot is a point-in-time copy stored inside a Context Stash.
type ObservationSnapshot struct {
	ID        string
	Title     string
	Content   string
	Kind      ObservationKind
	Timestamp time.Time
	Embedding []float32
}

// ContextStash is a snapshot taken when a topic shift is detected.
type ContextStash struct {
	ID          string
	ProjectHash string
	SessionID   string
	Snapshots   []ObservationSnapshot
	TopicLabel  string
	Summary     string
	Status      StashStatus
	CreatedAt   time.Time
	ResumedAt   *time.Time
}

// ShiftDecision is logged for every topic-shift evaluation.
type ShiftDecision struct {
	ID          string
	ProjectHash string
	SessionID   string
	Distance    float64
	Threshold   float64
	EWMAMean    float64
	EWMAVar     float64
	Shifted     bool
	Confidence  float64
	StashID     string
	EvaluatedAt time.Time
}

// ThresholdHistory is the final EWMA state of a completed session, used to
// seed the detector for the project's next session.
type ThresholdHistory struct {
	ProjectHash string
	SessionID   string
	EWMAMean    float64
	EWMAVar     float64
	RecordedAt  time.Time
}

// DebugPathState enumerates the debug-path tracker's state machine.
type DebugPathState string

const (
	DebugActive    DebugPathState = "active"
	DebugResolved  DebugPathState = "resolved"
	DebugAbandoned DebugPathState = "abandoned"
)

// Waypoint is a single recorded step within a debug path.
type WaypointType string

const (
	WaypointError      WaypointType = "error"
	WaypointAttempt    WaypointType = "attempt"
	WaypointFailure    WaypointType = "failure"
	WaypointSuccess    WaypointType = "success"
	WaypointPivot      WaypointType = "pivot"
	WaypointRevert     WaypointType = "revert"
	WaypointDiscovery  WaypointType = "discovery"
	WaypointResolution WaypointType = "resolution"
)

const MaxWaypoints = 30

type Waypoint struct {
	ID         string
	DebugPathID string
	Type       WaypointType
	Summary    string
	CreatedAt  time.Time
}

// KISSSummary is the structured LLM-generated resolution summary.
type KISSSummary struct {
	KISSSummary string `json:"kiss_summary"`
	RootCause   string `json:"root_cause"`
	WhatFixedIt string `json:"what_fixed_it"`
	Dimensions  struct {
		Logical     string `json:"logical"`
		Programmatic string `json:"programmatic"`
		Development string `json:"development"`
	} `json:"dimensions"`
}

// DebugPath tracks one potential-to-resolved debugging arc.
type DebugPath struct {
	ID              string
	ProjectHash     string
	SessionID       string
	State           DebugPathState
	Trigger         string
	ResolutionNote  string
	Summary         *KISSSummary
	Waypoints       []Waypoint
	ConsecutiveWins int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BranchState enumerates the thought-branch lifecycle.
type BranchState string

const (
	BranchActive    BranchState = "active"
	BranchCompleted BranchState = "completed"
	BranchAbandoned BranchState = "abandoned"
	BranchMerged    BranchState = "merged"
)

// BranchType classifies the kind of work a thought branch represents.
type BranchType string

const (
	BranchInvestigation BranchType = "investigation"
	BranchBugFix        BranchType = "bug_fix"
	BranchFeature       BranchType = "feature"
	BranchRefactor      BranchType = "refactor"
	BranchResearch      BranchType = "research"
	BranchUnknown       BranchType = "unknown"
)

// ArcStage is the current phase of a thought branch.
type ArcStage string

const (
	ArcInvestigation ArcStage = "investigation"
	ArcPlanning      ArcStage = "planning"
	ArcDiagnosis     ArcStage = "diagnosis"
	ArcExecution     ArcStage = "execution"
	ArcVerification  ArcStage = "verification"
)

// BranchObservation records one observation's membership in a branch along
// with the arc stage inferred at the time it was appended.
type BranchObservation struct {
	BranchID      string
	ObservationID string
	ToolName      string
	ArcStage      ArcStage
	AppendedAt    time.Time
}

// ThoughtBranch segments the observation stream into a coherent work unit.
type ThoughtBranch struct {
	ID            string
	ProjectHash   string
	SessionID     string
	State         BranchState
	Type          BranchType
	Title         string
	Summary       string
	ArcStage      ArcStage
	ToolHistogram map[string]int
	Observations  []BranchObservation
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ToolType and ToolScope classify registry rows.
type ToolType string

const (
	ToolBuiltin      ToolType = "builtin"
	ToolMCPServer    ToolType = "mcp_server"
	ToolMCPTool      ToolType = "mcp_tool"
	ToolSlashCommand ToolType = "slash_command"
	ToolSkill        ToolType = "skill"
	ToolPlugin       ToolType = "plugin"
)

type ToolScope string

const (
	ScopeGlobal  ToolScope = "global"
	ScopeProject ToolScope = "project"
	ScopePlugin  ToolScope = "plugin"
)

type ToolStatus string

const (
	ToolActive  ToolStatus = "active"
	ToolStale   ToolStatus = "stale"
	ToolDemoted ToolStatus = "demoted"
)

// ToolRegistryRow describes one discoverable tool.
type ToolRegistryRow struct {
	Name         string
	Type         ToolType
	Scope        ToolScope
	Status       ToolStatus
	UsageCount   int
	LastUsedAt   *time.Time
	Description  string
	ServerName   string
	TriggerHints []string
	Embedding    []float32
}

// Notification is an ephemeral per-project message consumed on the next
// tool response.
type Notification struct {
	ID          string
	ProjectHash string
	Message     string
	CreatedAt   time.Time
	ConsumedAt  *time.Time
}

// ResearchBufferEntry records an exploration-only tool call for later
// provenance context.
type ResearchBufferEntry struct {
	ID          string
	ProjectHash string
	SessionID   string
	ToolName    string
	Query       string
	CreatedAt   time.Time
}

// ToolUsageEvent is one row of the tool-usage-event log consulted by the
// routing engine's learned-pattern tier.
type ToolUsageEvent struct {
	ID          string
	ProjectHash string
	SessionID   string
	ToolName    string
	CreatedAt   time.Time
}

// RoutingPattern is a learned N-gram: a set of preceding tool names that
// historically led to a target tool.
type RoutingPattern struct {
	ProjectHash    string
	PrecedingTools []string
	TargetTool     string
	Frequency      int
}

// RoutingState tracks per-session suggestion rate limiting.
type RoutingState struct {
	SessionID          string
	SuggestionsEmitted int
	LastSuggestedAtIdx int
	ToolCallCount      int
}

// StalenessFlag marks an observation linked to a graph node as superseded
// by a newer one; advisory, never hides results.
type StalenessFlag struct {
	ID            string
	ObservationID string
	SupersededBy  string
	Reason        string
	CreatedAt     time.Time
}

// ProjectMetadata holds per-project bookkeeping: the canonical directory
// the project hash was derived from, and the cross-project allow-list.
type ProjectMetadata struct {
	ProjectHash string
	Directory   string
	AllowList   []string
}
