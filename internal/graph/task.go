package graph

import "time"

// TaskType categorizes the work a node performs.
type TaskType string

const (
	TypePlan     TaskType = "plan"
	TypeResearch TaskType = "research"
	TypeDesign   TaskType = "design"
	TypeBuild    TaskType = "build"
	TypeTest     TaskType = "test"
	TypeDocument TaskType = "document"
	TypeOptimize TaskType = "optimize"
	TypeAudit    TaskType = "audit"
)

// NodeStatus represents the current state of a node.
type NodeStatus int

const (
	StatusPending  NodeStatus = iota // Waiting for dependencies or a retry slot
	StatusRunning                    // Currently executing
	StatusComplete                   // Finished successfully
	StatusFailed                     // Terminal failure after retries
	StatusSkipped                    // Not run because a dependency terminally failed
)

func (s NodeStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	}
	return "unknown"
}

// GraphStatus represents the overall state of a graph run.
type GraphStatus int

const (
	GraphPlanning GraphStatus = iota // No node has started yet
	GraphRunning                     // At least one node started, outcome open
	GraphComplete                    // Every node completed
	GraphFailed                      // At least one node terminally failed or was skipped
)

func (s GraphStatus) String() string {
	switch s {
	case GraphPlanning:
		return "planning"
	case GraphRunning:
		return "running"
	case GraphComplete:
		return "complete"
	case GraphFailed:
		return "failed"
	}
	return "unknown"
}

// TaskSpec describes one subtask produced by an upstream decomposer.
// Dependencies reference earlier specs by position; an entry pointing at
// the spec's own position or a later one is invalid and produces no edge.
type TaskSpec struct {
	Title         string
	Description   string
	Type          TaskType
	Priority      int
	EstimatedTime time.Duration
	EstimatedCost float64
	Dependencies  []int
	DoD           string // Definition of done, folded into the prompt
	Validators    []string
}

// Node represents a unit of work in the graph.
type Node struct {
	ID                  string
	Index               int
	Title               string
	Description         string
	Type                TaskType
	Station             Station
	DependsOn           []int // Indices of nodes that must finish first
	Status              NodeStatus
	Result              string   // Selected output (populated after completion)
	Artifacts           []string // Accumulated outputs across attempts
	Error               error    // Last failure, terminal or not
	Retries             int
	MaxRetries          int
	EstimatedDuration   time.Duration
	EstimatedCost       float64
	Timeout             time.Duration
	ConfidenceThreshold float64 // Minimum consensus confidence in [0,1]; 0 disables the gate
	DoD                 string
	Validators          []string
	Priority            int
}
