package engine

import (
	"sync"

	"github.com/okonma/weft/pkg/schema"
)

// ExecutionState is the shared mutable state of one run, owned exclusively
// by the coordinator for the run's lifetime and discarded at terminal
// status. Results and skip reasons are write-once per node ID; the
// coordinator only writes after a node's attempt sequence fully settles, and
// node IDs are unique, so concurrent writes never target the same key.
type ExecutionState struct {
	mu           sync.Mutex
	results      map[string]*schema.NodeResult
	skipReasons  map[string]string
	softFailures int
}

func newExecutionState(capacity int) *ExecutionState {
	return &ExecutionState{
		results:     make(map[string]*schema.NodeResult, capacity),
		skipReasons: make(map[string]string, capacity),
	}
}

// SetResult records a settled node result. The first write wins; later
// writes for the same node are rejected.
func (s *ExecutionState) SetResult(result *schema.NodeResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[result.NodeID]; exists {
		return false
	}
	s.results[result.NodeID] = result
	return true
}

// Result returns the settled result for a node, if any.
func (s *ExecutionState) Result(nodeID string) (*schema.NodeResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[nodeID]
	return r, ok
}

// Output returns a node's recorded output. Only SUCCESS nodes have one.
func (s *ExecutionState) Output(nodeID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[nodeID]
	if !ok || r.Status != schema.NodeStatusSuccess {
		return nil, false
	}
	return r.Output, true
}

// Outputs snapshots all recorded SUCCESS outputs keyed by node ID.
func (s *ExecutionState) Outputs() map[string]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]any, len(s.results))
	for id, r := range s.results {
		if r.Status == schema.NodeStatusSuccess {
			out[id] = r.Output
		}
	}
	return out
}

// MarkSkipped records a skip reason for a node. The first reason wins and is
// never overwritten; returns whether this call recorded it.
func (s *ExecutionState) MarkSkipped(nodeID, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.skipReasons[nodeID]; exists {
		return false
	}
	s.skipReasons[nodeID] = reason
	return true
}

// SkipReason returns the recorded skip reason for a node, if any.
func (s *ExecutionState) SkipReason(nodeID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.skipReasons[nodeID]
	return reason, ok
}

// AddSoftFailure increments the soft failure counter.
func (s *ExecutionState) AddSoftFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.softFailures++
}

// SoftFailures returns the soft failure count.
func (s *ExecutionState) SoftFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.softFailures
}

// Results snapshots all settled results keyed by node ID.
func (s *ExecutionState) Results() map[string]*schema.NodeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*schema.NodeResult, len(s.results))
	for id, r := range s.results {
		out[id] = r
	}
	return out
}
