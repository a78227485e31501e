// Package graph wires the pipeline stages into an Eino graph and runs one
// query through it.
package graph

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"
	"github.com/jonboulle/clockwork"

	"github.com/catalog-insight/server/internal/agent/catalog"
	"github.com/catalog-insight/server/internal/agent/composer"
	"github.com/catalog-insight/server/internal/agent/execution"
	"github.com/catalog-insight/server/internal/agent/graph/nodes"
	"github.com/catalog-insight/server/internal/agent/model"
	"github.com/catalog-insight/server/internal/agent/policy"
	"github.com/catalog-insight/server/internal/agent/reasoning"
	"github.com/catalog-insight/server/internal/agent/resolver"
	"github.com/catalog-insight/server/internal/agent/response"
	"github.com/catalog-insight/server/internal/agent/security"
	"github.com/catalog-insight/server/internal/agent/selector"
	logx "github.com/catalog-insight/server/pkg/logger"
)

// Config holds everything needed to build the pipeline end-to-end.
type Config struct {
	Policy    *policy.Policy
	Reasoner  reasoning.Service
	Catalog   *catalog.Accessor
	Adapter   model.ExecutionAdapter
	Pipeline  model.PipelineConfig
	Audit     model.AuditConfig
	AuditSink model.AuditSink
	Turns     model.TurnRepository
	Clock     clockwork.Clock
}

func (c Config) validate() error {
	switch {
	case c.Policy == nil:
		return fmt.Errorf("graph config: policy is nil")
	case c.Reasoner == nil:
		return fmt.Errorf("graph config: reasoning service is nil")
	case c.Catalog == nil:
		return fmt.Errorf("graph config: catalog is nil")
	case c.Adapter == nil:
		return fmt.Errorf("graph config: execution adapter is nil")
	}
	return nil
}

// GraphBuilder handles the construction of the pipeline graph.
type GraphBuilder struct {
	deps     *nodes.Deps
	maxSteps int
	graph    *compose.Graph[model.QueryInput, *model.Outcome]
}

// BuildRunner constructs every stage, compiles the graph and returns a
// Runner. Close the runner to release the resolver's workers.
func BuildRunner(ctx context.Context, cfg Config) (*Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	p := cfg.Pipeline

	deps := &nodes.Deps{
		Gate:      security.NewGate(cfg.Policy, cfg.Reasoner, cfg.Catalog, p.GateTimeout),
		Catalog:   cfg.Catalog,
		Selector:  selector.New(cfg.Catalog, cfg.Reasoner, p.ModelConfidenceFloor),
		Resolver:  resolver.New(cfg.Policy, cfg.Reasoner, p),
		Composer:  composer.New(p),
		Executor:  execution.NewExecutor(cfg.Adapter, cfg.Catalog, p),
		Responder: response.New(cfg.Policy),
		Auditor:   nodes.NewAuditor(cfg.AuditSink, cfg.Clock, cfg.Audit.Timeout),
	}

	runnable, err := BuildGraph(ctx, deps, p.MaxSteps)
	if err != nil {
		deps.Resolver.Close()
		return nil, err
	}
	return newRunner(runnable, deps, cfg), nil
}

// BuildGraph constructs and returns the compiled pipeline graph.
func BuildGraph(ctx context.Context, deps *nodes.Deps, maxSteps int) (compose.Runnable[model.QueryInput, *model.Outcome], error) {
	if deps == nil {
		return nil, fmt.Errorf("graph deps are nil")
	}
	b := &GraphBuilder{
		deps:     deps,
		maxSteps: maxSteps,
		graph: compose.NewGraph[model.QueryInput, *model.Outcome](
			compose.WithGenLocalState(nodes.GenState),
		),
	}
	if err := b.addNodes(); err != nil {
		return nil, err
	}
	if err := b.addEdges(); err != nil {
		return nil, err
	}
	if err := b.addBranches(); err != nil {
		return nil, err
	}
	return b.compile(ctx)
}

// addNodes adds all stage nodes. State post-handlers record each stage's
// output and its audit event.
func (b *GraphBuilder) addNodes() error {
	d := b.deps
	adds := []error{
		b.graph.AddLambdaNode(nodes.NodeSecurityGate, nodes.NewSecurityGateNode(d),
			compose.WithStatePostHandler(nodes.NewSecurityGatePostHandler(d)), compose.WithNodeName(nodes.NodeSecurityGate)),
		b.graph.AddLambdaNode(nodes.NodeBlocked, nodes.NewBlockedNode(d),
			compose.WithStatePostHandler(nodes.NewBlockedPostHandler()), compose.WithNodeName(nodes.NodeBlocked)),
		b.graph.AddLambdaNode(nodes.NodeExtract, nodes.NewExtractNode(d),
			compose.WithStatePostHandler(nodes.NewExtractPostHandler(d)), compose.WithNodeName(nodes.NodeExtract)),
		b.graph.AddLambdaNode(nodes.NodeClarify, nodes.NewClarifyNode(d),
			compose.WithStatePostHandler(nodes.NewClarifyPostHandler(d)), compose.WithNodeName(nodes.NodeClarify)),
		b.graph.AddLambdaNode(nodes.NodeSelect, nodes.NewSelectNode(d),
			compose.WithStatePostHandler(nodes.NewSelectPostHandler(d)), compose.WithNodeName(nodes.NodeSelect)),
		b.graph.AddLambdaNode(nodes.NodeResolve, nodes.NewResolveNode(d),
			compose.WithStatePostHandler(nodes.NewResolvePostHandler(d)), compose.WithNodeName(nodes.NodeResolve)),
		b.graph.AddLambdaNode(nodes.NodeCompose, nodes.NewComposeNode(d),
			compose.WithStatePostHandler(nodes.NewComposePostHandler(d)), compose.WithNodeName(nodes.NodeCompose)),
		b.graph.AddLambdaNode(nodes.NodeExecute, nodes.NewExecuteNode(d),
			compose.WithStatePostHandler(nodes.NewExecutePostHandler(d)), compose.WithNodeName(nodes.NodeExecute)),
		b.graph.AddLambdaNode(nodes.NodeRespond, nodes.NewRespondNode(d),
			compose.WithStatePostHandler(nodes.NewRespondPostHandler(d)), compose.WithNodeName(nodes.NodeRespond)),
	}
	for _, err := range adds {
		if err != nil {
			logx.Error().Err(err).Msg("Error adding graph node")
			return fmt.Errorf("error adding graph node: %w", err)
		}
	}
	return nil
}

// addEdges creates the fixed stage order.
func (b *GraphBuilder) addEdges() error {
	edges := [][2]string{
		{compose.START, nodes.NodeSecurityGate},
		{nodes.NodeBlocked, compose.END},
		{nodes.NodeClarify, compose.END},
		{nodes.NodeResolve, nodes.NodeCompose},
		{nodes.NodeCompose, nodes.NodeExecute},
		{nodes.NodeExecute, nodes.NodeRespond},
		{nodes.NodeRespond, compose.END},
	}
	for _, edge := range edges {
		if err := b.graph.AddEdge(edge[0], edge[1]); err != nil {
			return fmt.Errorf("error adding edge %s -> %s: %w", edge[0], edge[1], err)
		}
	}
	return nil
}

// addBranches creates the three short-circuit points.
func (b *GraphBuilder) addBranches() error {
	branches := []struct {
		from   string
		branch *compose.GraphBranch
	}{
		{nodes.NodeSecurityGate, compose.NewGraphBranch(nodes.NewSecurityBranchCondition(),
			map[string]bool{nodes.NodeBlocked: true, nodes.NodeExtract: true})},
		{nodes.NodeExtract, compose.NewGraphBranch(nodes.NewExtractBranchCondition(),
			map[string]bool{nodes.NodeClarify: true, nodes.NodeSelect: true})},
		{nodes.NodeSelect, compose.NewGraphBranch(nodes.NewSelectBranchCondition(),
			map[string]bool{nodes.NodeClarify: true, nodes.NodeResolve: true})},
	}
	for _, br := range branches {
		if err := b.graph.AddBranch(br.from, br.branch); err != nil {
			logx.Error().Err(err).Str("from", br.from).Msg("Error adding branch")
			return fmt.Errorf("error adding branch from %s: %w", br.from, err)
		}
	}
	return nil
}

// compile finalizes and compiles the graph
func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[model.QueryInput, *model.Outcome], error) {
	maxSteps := b.maxSteps
	if maxSteps < 20 {
		maxSteps = 20
	}
	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(maxSteps), compose.WithGraphName("catalog_query"))
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}
	logx.Debug().Msg("Graph compiled successfully")
	return runnable, nil
}
