package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	GraphID() string
}

// Topic constants
const (
	TopicNode      = "node"
	TopicGraph     = "graph"
	TopicDispatch  = "dispatch"
	TopicConsensus = "consensus"
)

// Event type constants
const (
	EventTypeNodeStarted       = "node.started"
	EventTypeNodeCompleted     = "node.completed"
	EventTypeNodeFailed        = "node.failed"
	EventTypeNodeSkipped       = "node.skipped"
	EventTypeGraphProgress     = "graph.progress"
	EventTypeDispatchCompleted = "dispatch.completed"
	EventTypeConsensusComputed = "consensus.computed"
)

// NodeStartedEvent is published when a node attempt begins.
type NodeStartedEvent struct {
	Graph     string
	NodeID    string
	Title     string
	Station   string
	Attempt   int
	Timestamp time.Time
}

func (e NodeStartedEvent) EventType() string { return EventTypeNodeStarted }
func (e NodeStartedEvent) GraphID() string   { return e.Graph }

// NodeCompletedEvent is published when a node finishes successfully.
type NodeCompletedEvent struct {
	Graph      string
	NodeID     string
	Title      string
	Provider   string
	Confidence int
	Duration   time.Duration
	Timestamp  time.Time
}

func (e NodeCompletedEvent) EventType() string { return EventTypeNodeCompleted }
func (e NodeCompletedEvent) GraphID() string   { return e.Graph }

// NodeFailedEvent is published when a node attempt fails.
// Terminal reports whether the retry allowance is exhausted.
type NodeFailedEvent struct {
	Graph     string
	NodeID    string
	Title     string
	Err       error
	Attempt   int
	Terminal  bool
	Timestamp time.Time
}

func (e NodeFailedEvent) EventType() string { return EventTypeNodeFailed }
func (e NodeFailedEvent) GraphID() string   { return e.Graph }

// NodeSkippedEvent is published when a node is abandoned because a
// dependency failed.
type NodeSkippedEvent struct {
	Graph     string
	NodeID    string
	Title     string
	BlockedBy []string
	Timestamp time.Time
}

func (e NodeSkippedEvent) EventType() string { return EventTypeNodeSkipped }
func (e NodeSkippedEvent) GraphID() string   { return e.Graph }

// GraphProgressEvent is published after each wave with refreshed node counts.
type GraphProgressEvent struct {
	Graph     string
	Status    string
	Total     int
	Completed int
	Running   int
	Failed    int
	Skipped   int
	Pending   int
	Timestamp time.Time
}

func (e GraphProgressEvent) EventType() string { return EventTypeGraphProgress }
func (e GraphProgressEvent) GraphID() string   { return e.Graph }

// DispatchCompletedEvent is published when a provider fan-out round
// finishes, whatever its outcome.
type DispatchCompletedEvent struct {
	Graph     string
	NodeID    string
	RoundID   string
	Outcome   string
	Calls     int
	Responses int
	Failures  int
	Cost      float64
	Duration  time.Duration
	Timestamp time.Time
}

func (e DispatchCompletedEvent) EventType() string { return EventTypeDispatchCompleted }
func (e DispatchCompletedEvent) GraphID() string   { return e.Graph }

// ConsensusComputedEvent is published when the responses for a node
// have been compared.
type ConsensusComputedEvent struct {
	Graph        string
	NodeID       string
	Reached      bool
	Agreement    float64
	Confidence   int
	Best         string
	Disagreement string
	Responses    int
	Timestamp    time.Time
}

func (e ConsensusComputedEvent) EventType() string { return EventTypeConsensusComputed }
func (e ConsensusComputedEvent) GraphID() string   { return e.Graph }
