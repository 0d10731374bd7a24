package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/okonma/weft/internal/conditions"
	"github.com/okonma/weft/internal/executors"
	"github.com/okonma/weft/internal/logging"
	"github.com/okonma/weft/pkg/schema"
)

// DefaultMaxConcurrency caps in-flight node executions per run when the host
// does not configure a pool size.
const DefaultMaxConcurrency = 5

// CoordinatorConfig wires the coordinator's collaborators. Zero-value fields
// get working defaults: the built-in registry, a fresh policy resolver and
// condition evaluator, discard sinks, the goroutine task runner, and a real
// sleeper.
type CoordinatorConfig struct {
	Registry       *Registry
	Policies       *PolicyResolver
	Conditions     *conditions.Evaluator
	Events         EventSink
	Persistence    PersistenceSink
	Probe          CancellationProbe
	Runner         TaskRunner
	Sleep          Sleeper
	InputResolver  InputResolver
	MaxConcurrency int
	Logger         *slog.Logger
}

// RunOptions parameterizes one execution.
type RunOptions struct {
	// ExecutionID identifies the run; a UUID is generated when empty.
	ExecutionID string
	// TriggerUserID is attributed to every record and event of the run.
	TriggerUserID string
	// Params is the trigger parameter snapshot, visible to executors and
	// condition expressions for the whole run.
	Params map[string]any
}

// RunResult is the settled outcome of one execution.
type RunResult struct {
	ExecutionID  string                        `json:"execution_id"`
	Status       schema.RunStatus              `json:"status"`
	Error        string                        `json:"error,omitempty"`
	SoftFailures int                           `json:"soft_failures"`
	StartedAt    time.Time                     `json:"started_at"`
	CompletedAt  time.Time                     `json:"completed_at"`
	NodeResults  map[string]*schema.NodeResult `json:"node_results"`
}

// Coordinator drives a flow to a terminal state: it layers the DAG, walks the
// layers in order running each layer's eligible nodes concurrently under the
// gate bound, applies per-node retry/timeout policy, and settles run status
// from the per-node outcomes and their error policies.
type Coordinator struct {
	registry      *Registry
	policies      *PolicyResolver
	materializer  *Materializer
	events        EventSink
	persistence   PersistenceSink
	probe         CancellationProbe
	runner        TaskRunner
	sleep         Sleeper
	inputResolver InputResolver
	fsm           *NodeFSM
	poolSize      int
	logger        *slog.Logger
}

// NewCoordinator creates a Coordinator from the given configuration,
// defaulting every unset collaborator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.Policies == nil {
		cfg.Policies = NewPolicyResolver(nil)
	}
	if cfg.Conditions == nil {
		evaluator, err := conditions.NewEvaluator()
		if err != nil {
			return nil, err
		}
		cfg.Conditions = evaluator
	}
	if cfg.Events == nil {
		cfg.Events = discardSink{}
	}
	if cfg.Persistence == nil {
		cfg.Persistence = discardSink{}
	}
	if cfg.Probe == nil {
		cfg.Probe = func(ctx context.Context) error { return ctx.Err() }
	}
	if cfg.Runner == nil {
		cfg.Runner = DefaultTaskRunner
	}
	if cfg.Sleep == nil {
		cfg.Sleep = WaitBackoff
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Coordinator{
		registry:      cfg.Registry,
		policies:      cfg.Policies,
		materializer:  NewMaterializer(cfg.Conditions),
		events:        cfg.Events,
		persistence:   cfg.Persistence,
		probe:         cfg.Probe,
		runner:        cfg.Runner,
		sleep:         cfg.Sleep,
		inputResolver: cfg.InputResolver,
		fsm:           NewNodeFSM(cfg.Events, cfg.Logger),
		poolSize:      cfg.MaxConcurrency,
		logger:        cfg.Logger,
	}, nil
}

// Execute runs the flow to a terminal state. Structural errors (cycle,
// unknown edge endpoint) are returned before anything runs; once execution
// begins the outcome is always a RunResult, with Error set for FAILED and
// CANCELED runs.
func (c *Coordinator) Execute(ctx context.Context, flow *schema.FlowDefinition, opts RunOptions) (*RunResult, error) {
	graph, err := BuildGraph(flow)
	if err != nil {
		return nil, err
	}

	if opts.ExecutionID == "" {
		opts.ExecutionID = uuid.NewString()
	}
	ctx = logging.WithExecutionID(ctx, opts.ExecutionID)
	if opts.TriggerUserID != "" {
		ctx = logging.WithTriggerUser(ctx, opts.TriggerUserID)
	}
	if opts.Params == nil {
		opts.Params = map[string]any{}
	}

	run := &RunResult{
		ExecutionID: opts.ExecutionID,
		Status:      schema.RunStatusRunning,
		StartedAt:   time.Now().UTC(),
	}
	state := newExecutionState(len(graph.Nodes))

	c.logger.InfoContext(ctx, "run started",
		slog.String("flow", flow.Name),
		slog.Int("nodes", len(graph.Nodes)),
		slog.Int("layers", len(graph.Layers)))
	c.emitRunEvent(ctx, opts.ExecutionID, schema.EventRunStarted, map[string]any{
		"flow":   flow.Name,
		"nodes":  len(graph.Nodes),
		"layers": len(graph.Layers),
	})

	canceled := false
	var abortErr error
	gate := NewGate(c.poolSize)

layers:
	for _, layer := range graph.Layers {
		if err := c.probe(ctx); err != nil {
			canceled = true
			c.logger.InfoContext(ctx, "run canceled at layer boundary",
				slog.Int("depth", layer.Depth))
			break layers
		}

		tasks := make([]func(context.Context), 0, len(layer.NodeIDs))
		for _, nodeID := range layer.NodeIDs {
			if reason, skipped := state.SkipReason(nodeID); skipped {
				c.finalizeSkip(ctx, graph, state, opts, nodeID, reason)
				continue
			}

			verdict, err := c.materializer.Materialize(ctx, graph, nodeID, state, opts.Params)
			if err != nil {
				// Internal bookkeeping failure; the node fails, its policy
				// decides what happens to the run.
				c.settleFailure(ctx, graph, state, opts, nodeID, 0, 0, err)
				continue
			}
			if !verdict.Ready {
				state.MarkSkipped(nodeID, verdict.SkipReason)
				c.finalizeSkip(ctx, graph, state, opts, nodeID, verdict.SkipReason)
				continue
			}

			id := nodeID
			input := verdict.Input
			tasks = append(tasks, func(ctx context.Context) {
				c.executeNode(ctx, graph, state, opts, id, input)
			})
		}
		if err := gate.RunLayer(ctx, tasks); err != nil {
			canceled = true
			c.logger.InfoContext(ctx, "run canceled during layer dispatch",
				slog.Int("depth", layer.Depth))
			break layers
		}

		// Error policy pass, in deterministic layer order.
		for _, nodeID := range layer.NodeIDs {
			result, ok := state.Result(nodeID)
			if !ok || result.Status != schema.NodeStatusFailed {
				continue
			}
			if result.FailureCategory == schema.FailureCanceled {
				canceled = true
				break layers
			}

			policy := c.policies.Resolve(flow, graph.Nodes[nodeID])
			switch policy.OnError {
			case schema.ErrorPolicyContinue:
				state.AddSoftFailure()
				c.logger.WarnContext(ctx, "node failed, continuing",
					slog.String("node_id", nodeID), slog.String("error", result.ErrorMessage))
			case schema.ErrorPolicyRouteToError:
				state.AddSoftFailure()
				c.propagateRouteSkips(graph, state, nodeID)
				c.logger.WarnContext(ctx, "node failed, routing to error path",
					slog.String("node_id", nodeID), slog.String("error", result.ErrorMessage))
			default: // FAIL_FAST
				abortErr = schema.NewErrorf(schema.ErrCodeNodeFailed,
					"node %s failed: %s", nodeID, result.ErrorMessage).WithNode(nodeID)
				break layers
			}
		}
	}

	c.settleUnvisited(ctx, graph, state, opts, canceled, abortErr)

	run.NodeResults = state.Results()
	run.SoftFailures = state.SoftFailures()
	run.CompletedAt = time.Now().UTC()

	switch {
	case canceled:
		run.Status = schema.RunStatusCanceled
		run.Error = "run canceled"
		c.emitRunEvent(ctx, opts.ExecutionID, schema.EventRunCanceled, nil)
	case abortErr != nil:
		run.Status = schema.RunStatusFailed
		run.Error = abortErr.Error()
		c.emitRunEvent(ctx, opts.ExecutionID, schema.EventRunFailed, map[string]any{
			"error": run.Error,
		})
	default:
		run.Status = schema.RunStatusSuccess
		c.emitRunEvent(ctx, opts.ExecutionID, schema.EventRunSucceeded, map[string]any{
			"soft_failures": run.SoftFailures,
		})
	}

	dispatch := gate.Metrics()
	c.logger.InfoContext(ctx, "run finished",
		slog.String("status", string(run.Status)),
		slog.Int("soft_failures", run.SoftFailures),
		slog.Int64("nodes_dispatched", dispatch.Dispatched),
		slog.Duration("elapsed", run.CompletedAt.Sub(run.StartedAt)))

	return run, nil
}

// executeNode drives one node through its full attempt sequence and settles
// its result. Runs on a pool goroutine; all state access goes through the
// locked ExecutionState.
func (c *Coordinator) executeNode(ctx context.Context, g *Graph, state *ExecutionState, opts RunOptions, nodeID string, input map[string]any) {
	ctx = logging.WithNodeID(ctx, nodeID)
	node := g.Nodes[nodeID]
	policy := c.policies.Resolve(g.Flow, node)
	executor := c.registry.Resolve(node)
	started := time.Now()

	if err := c.fsm.Transition(ctx, opts.ExecutionID, nodeID, schema.NodeStatusPending, schema.NodeStatusRunning); err != nil {
		c.settleFailure(ctx, g, state, opts, nodeID, 0, 0, err)
		return
	}

	if c.inputResolver != nil {
		resolved, err := c.inputResolver.Resolve(ctx, node, input, opts.Params)
		if err != nil {
			c.settleRunningFailure(ctx, g, state, opts, nodeID, input, started, 0,
				schema.NewError(schema.ErrCodeExecution, "input resolution failed").WithCause(err).WithNode(nodeID))
			return
		}
		input = resolved
	}

	c.logger.DebugContext(ctx, "node started",
		slog.String("type", node.Type),
		slog.String("executor", executor.Name()),
		slog.Duration("timeout", policy.Timeout),
		slog.Int("max_retries", policy.RetryCount))

	var (
		output   map[string]any
		lastErr  error
		attempts int
	)
	for attempt := 0; attempt <= policy.RetryCount; attempt++ {
		if err := c.probe(ctx); err != nil {
			lastErr = schema.NewError(schema.ErrCodeCancelled, "run canceled").WithCause(err)
			break
		}

		attempts = attempt + 1
		out, err := c.runner(ctx, policy.Timeout, func(ctx context.Context) (map[string]any, error) {
			return c.runAttempt(ctx, executor, node, input, opts)
		})
		if err == nil {
			output = out
			lastErr = nil
			break
		}
		lastErr = err

		category, _ := Classify(err)
		if category == schema.FailureCanceled {
			break
		}
		if attempt == policy.RetryCount {
			break
		}

		c.logger.WarnContext(ctx, "attempt failed, retrying",
			slog.Int("attempt", attempts),
			slog.Duration("backoff", policy.Backoff),
			slog.String("error", err.Error()))
		c.emitNodeEvent(ctx, opts.ExecutionID, nodeID, schema.EventNodeRetrying, map[string]any{
			"attempt": attempts,
			"error":   err.Error(),
		})
		if err := c.sleep(ctx, policy.Backoff); err != nil {
			lastErr = schema.NewError(schema.ErrCodeCancelled, "run canceled during backoff").WithCause(err)
			break
		}
	}

	duration := time.Since(started)

	if lastErr != nil {
		c.settleRunningFailure(ctx, g, state, opts, nodeID, input, started, attempts, lastErr)
		return
	}

	if output == nil {
		output = map[string]any{}
	}
	result := &schema.NodeResult{
		NodeID:     nodeID,
		Status:     schema.NodeStatusSuccess,
		Output:     output,
		Attempts:   attempts,
		DurationMs: duration.Milliseconds(),
	}
	state.SetResult(result)
	_ = c.fsm.Transition(ctx, opts.ExecutionID, nodeID, schema.NodeStatusRunning, schema.NodeStatusSuccess)
	c.persistNode(ctx, g, opts, result, input, started)

	c.logger.DebugContext(ctx, "node succeeded",
		slog.Int("attempts", attempts),
		slog.Duration("elapsed", duration))
}

// runAttempt invokes the executor once, mapping a reported failed status to
// an error so the retry loop sees a uniform failure signal.
func (c *Coordinator) runAttempt(ctx context.Context, executor executors.NodeExecutor, node *schema.NodeDefinition, input map[string]any, opts RunOptions) (map[string]any, error) {
	result, err := executor.Execute(ctx, &executors.Context{
		ExecutionID:   opts.ExecutionID,
		TriggerUserID: opts.TriggerUserID,
		Node:          node,
		Input:         input,
		Params:        opts.Params,
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return map[string]any{}, nil
	}
	if result.Status == executors.StatusFailed {
		message := result.Message
		if message == "" {
			message = "executor reported failure"
		}
		return nil, schema.NewError(schema.ErrCodeExecution, message).WithNode(node.ID)
	}
	if result.Output == nil {
		return map[string]any{}, nil
	}
	return result.Output, nil
}

// propagateRouteSkips walks forward from a failed ROUTE_TO_ERROR node over
// its non-error out-edges, skip-marking every reachable node. Error-edges are
// never traversed, which is what preserves the recovery branch. Marks are
// write-once, so a node reachable from several failures keeps its first
// reason.
func (c *Coordinator) propagateRouteSkips(g *Graph, state *ExecutionState, failedID string) {
	reason := fmt.Sprintf("upstream node %s failed; routed to error path", failedID)
	visited := map[string]bool{failedID: true}
	queue := []string{failedID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, edge := range g.Out[current] {
			if edge.EdgeType == schema.EdgeTypeError {
				continue
			}
			if visited[edge.To] {
				continue
			}
			visited[edge.To] = true
			state.MarkSkipped(edge.To, reason)
			queue = append(queue, edge.To)
		}
	}
}

// settleUnvisited records a terminal SKIPPED result for every node the layer
// walk never reached, so a canceled or aborted run still reports a complete
// per-node picture.
func (c *Coordinator) settleUnvisited(ctx context.Context, g *Graph, state *ExecutionState, opts RunOptions, canceled bool, abortErr error) {
	if !canceled && abortErr == nil {
		return
	}
	reason := "run canceled"
	if abortErr != nil {
		reason = "run aborted: " + abortErr.Error()
	}
	for _, layer := range g.Layers {
		for _, nodeID := range layer.NodeIDs {
			if _, ok := state.Result(nodeID); ok {
				continue
			}
			nodeReason := reason
			if existing, ok := state.SkipReason(nodeID); ok {
				nodeReason = existing
			}
			state.MarkSkipped(nodeID, nodeReason)
			c.finalizeSkip(ctx, g, state, opts, nodeID, nodeReason)
		}
	}
}

// finalizeSkip records the terminal SKIPPED result for a node that never ran.
func (c *Coordinator) finalizeSkip(ctx context.Context, g *Graph, state *ExecutionState, opts RunOptions, nodeID, reason string) {
	result := &schema.NodeResult{
		NodeID:     nodeID,
		Status:     schema.NodeStatusSkipped,
		SkipReason: reason,
	}
	if !state.SetResult(result) {
		return
	}
	ctx = logging.WithNodeID(ctx, nodeID)
	_ = c.fsm.Transition(ctx, opts.ExecutionID, nodeID, schema.NodeStatusPending, schema.NodeStatusSkipped)
	c.persistNode(ctx, g, opts, result, nil, time.Now().UTC())
	c.logger.DebugContext(ctx, "node skipped", slog.String("reason", reason))
}

// settleFailure fails a node that never left PENDING (materializer or
// submission errors).
func (c *Coordinator) settleFailure(ctx context.Context, g *Graph, state *ExecutionState, opts RunOptions, nodeID string, attempts int, duration time.Duration, err error) {
	ctx = logging.WithNodeID(ctx, nodeID)
	_ = c.fsm.Transition(ctx, opts.ExecutionID, nodeID, schema.NodeStatusPending, schema.NodeStatusRunning)
	category, code := Classify(err)
	result := &schema.NodeResult{
		NodeID:          nodeID,
		Status:          schema.NodeStatusFailed,
		ErrorMessage:    err.Error(),
		FailureCategory: category,
		FailureCode:     code,
		Attempts:        attempts,
		DurationMs:      duration.Milliseconds(),
	}
	state.SetResult(result)
	_ = c.fsm.Transition(ctx, opts.ExecutionID, nodeID, schema.NodeStatusRunning, schema.NodeStatusFailed)
	c.persistNode(ctx, g, opts, result, nil, time.Now().UTC())
}

// settleRunningFailure fails a node that was already RUNNING.
func (c *Coordinator) settleRunningFailure(ctx context.Context, g *Graph, state *ExecutionState, opts RunOptions, nodeID string, input map[string]any, started time.Time, attempts int, err error) {
	category, code := Classify(err)
	result := &schema.NodeResult{
		NodeID:          nodeID,
		Status:          schema.NodeStatusFailed,
		ErrorMessage:    err.Error(),
		FailureCategory: category,
		FailureCode:     code,
		Attempts:        attempts,
		DurationMs:      time.Since(started).Milliseconds(),
	}
	state.SetResult(result)
	_ = c.fsm.Transition(ctx, opts.ExecutionID, nodeID, schema.NodeStatusRunning, schema.NodeStatusFailed)
	c.persistNode(ctx, g, opts, result, input, started)

	c.logger.WarnContext(ctx, "node failed",
		slog.String("category", string(category)),
		slog.String("code", code),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()))
}

func (c *Coordinator) persistNode(ctx context.Context, g *Graph, opts RunOptions, result *schema.NodeResult, input map[string]any, started time.Time) {
	nodeType := ""
	if node, ok := g.Nodes[result.NodeID]; ok {
		nodeType = node.Type
	}
	record := &NodeExecutionRecord{
		ExecutionID:     opts.ExecutionID,
		NodeID:          result.NodeID,
		NodeType:        nodeType,
		TriggerUserID:   opts.TriggerUserID,
		Status:          result.Status,
		Input:           input,
		Output:          result.Output,
		ErrorMessage:    result.ErrorMessage,
		FailureCategory: result.FailureCategory,
		FailureCode:     result.FailureCode,
		SkipReason:      result.SkipReason,
		Attempts:        result.Attempts,
		StartedAt:       started.UTC(),
		DurationMs:      result.DurationMs,
	}
	if _, err := c.persistence.PersistNodeExecution(ctx, record); err != nil {
		c.logger.WarnContext(ctx, "persistence sink failed", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) emitRunEvent(ctx context.Context, executionID, eventType string, payload map[string]any) {
	c.emitNodeEvent(ctx, executionID, "", eventType, payload)
}

func (c *Coordinator) emitNodeEvent(ctx context.Context, executionID, nodeID, eventType string, payload map[string]any) {
	event := &Event{
		ExecutionID: executionID,
		NodeID:      nodeID,
		Type:        eventType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
	if err := c.events.RecordEvent(ctx, event); err != nil {
		c.logger.WarnContext(ctx, "event sink failed",
			slog.String("event", eventType), slog.String("error", err.Error()))
	}
}
