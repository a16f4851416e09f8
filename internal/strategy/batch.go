package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chainloom/subgraph-mirror/internal/metrics"
	"github.com/chainloom/subgraph-mirror/internal/subgraph"
)

// Result records one strategy's outcome for a block.
type Result struct {
	Strategy string
	Err      error
}

// Executor pools batchable strategies' queries by endpoint so each endpoint
// sees at most one request per block regardless of strategy count.
type Executor struct {
	client subgraph.Executor
	logger *slog.Logger
}

func NewExecutor(client subgraph.Executor, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client: client,
		logger: logger.With("component", "batch_executor"),
	}
}

type plannedStrategy struct {
	strategy Batchable
	requests []subgraph.Request
}

// ExecuteBatchedStrategies collects every strategy's desired queries, groups
// them by endpoint, and executes each group in one combined request. A
// combined failure degrades to per-strategy individual execution. One
// strategy's failure never affects its siblings.
func (e *Executor) ExecuteBatchedStrategies(ctx context.Context, strategies []Batchable, params Params) []Result {
	results := make([]Result, 0, len(strategies))
	byEndpoint := make(map[string][]plannedStrategy)
	var endpointOrder []string

	for _, s := range strategies {
		requests, err := s.BatchQueries(ctx, params)
		if err != nil {
			e.logger.Warn("strategy query planning failed",
				"strategy", s.Name(),
				"error", err,
			)
			metrics.BatchStrategyFailures.WithLabelValues(s.Name()).Inc()
			results = append(results, Result{Strategy: s.Name(), Err: fmt.Errorf("plan queries: %w", err)})
			continue
		}
		if len(requests) == 0 {
			results = append(results, Result{Strategy: s.Name()})
			continue
		}
		endpoint := s.Endpoint()
		if _, seen := byEndpoint[endpoint]; !seen {
			endpointOrder = append(endpointOrder, endpoint)
		}
		byEndpoint[endpoint] = append(byEndpoint[endpoint], plannedStrategy{strategy: s, requests: requests})
	}

	for _, endpoint := range endpointOrder {
		group := byEndpoint[endpoint]
		if len(group) == 1 {
			metrics.BatchGroupsExecuted.WithLabelValues("single").Inc()
			results = append(results, e.executeSingle(ctx, endpoint, group[0], params))
			continue
		}
		results = append(results, e.executeCombined(ctx, endpoint, group, params)...)
	}
	return results
}

func (e *Executor) executeSingle(ctx context.Context, endpoint string, p plannedStrategy, params Params) Result {
	data, _, err := e.client.ExecuteRequests(ctx, endpoint, p.requests)
	if err != nil {
		metrics.BatchStrategyFailures.WithLabelValues(p.strategy.Name()).Inc()
		return Result{Strategy: p.strategy.Name(), Err: fmt.Errorf("execute queries: %w", err)}
	}
	return e.deliver(ctx, p, params, data)
}

func (e *Executor) executeCombined(ctx context.Context, endpoint string, group []plannedStrategy, params Params) []Result {
	var combined []subgraph.Request
	for _, p := range group {
		combined = append(combined, p.requests...)
	}

	data, _, err := e.client.ExecuteRequests(ctx, endpoint, combined)
	if err != nil {
		// Graceful degradation: run every strategy's queries individually so
		// one oversized or malformed group member cannot starve the rest.
		e.logger.Warn("combined request failed, falling back to individual execution",
			"endpoint", endpoint,
			"strategies", len(group),
			"error", err,
		)
		metrics.BatchGroupsExecuted.WithLabelValues("fallback").Inc()
		results := make([]Result, 0, len(group))
		for _, p := range group {
			results = append(results, e.executeSingle(ctx, endpoint, p, params))
		}
		return results
	}

	metrics.BatchGroupsExecuted.WithLabelValues("combined").Inc()
	results := make([]Result, 0, len(group))
	for _, p := range group {
		results = append(results, e.deliver(ctx, p, params, sliceForStrategy(p, data)))
	}
	return results
}

// sliceForStrategy reconstructs the exact entity set the strategy requested
// from the combined result. Entities other strategies asked for are not
// leaked in.
func sliceForStrategy(p plannedStrategy, combined map[string][]subgraph.Row) map[string][]subgraph.Row {
	out := make(map[string][]subgraph.Row, len(p.requests))
	for _, req := range p.requests {
		out[req.Entity] = combined[req.Entity]
	}
	return out
}

func (e *Executor) deliver(ctx context.Context, p plannedStrategy, params Params, data map[string][]subgraph.Row) Result {
	if err := p.strategy.ProcessBatchResults(ctx, params, data); err != nil {
		e.logger.Warn("strategy result processing failed",
			"strategy", p.strategy.Name(),
			"error", err,
		)
		metrics.BatchStrategyFailures.WithLabelValues(p.strategy.Name()).Inc()
		return Result{Strategy: p.strategy.Name(), Err: fmt.Errorf("process results: %w", err)}
	}
	return Result{Strategy: p.strategy.Name()}
}
