// Package engine executes instances of declaratively defined processes:
// it routes commands to activity behaviors, tracks runtime state through
// the persistence collaborator, and resolves which handler in a running
// process reacts to a correlated signal.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/leorces/leorces/pkg/engine/dispatch"
	"github.com/leorces/leorces/pkg/expression"
	"github.com/leorces/leorces/pkg/model"
	otelPkg "github.com/leorces/leorces/pkg/otel"
	"github.com/leorces/leorces/pkg/runtime"
	"github.com/leorces/leorces/pkg/storage"
)

const definitionCacheSize = 256

// Engine drives process instances forward. It holds no shared mutable
// state beyond the behavior and handler registries, which are built once
// here and read-only afterwards.
type Engine struct {
	name        string
	snowflake   *snowflake.Node
	persistence storage.Storage
	dispatcher  *dispatch.Dispatcher
	evaluator   expression.Evaluator
	behaviors   map[model.ActivityType]behavior
	definitions *lru.Cache[string, model.ProcessDefinition]
	metrics     *otelPkg.EngineMetrics
	tracer      trace.Tracer
}

type EngineOption = func(*Engine)

func WithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func WithEvaluator(evaluator expression.Evaluator) EngineOption {
	return func(engine *Engine) {
		engine.evaluator = evaluator
	}
}

func WithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

func WithDispatcher(dispatcher *dispatch.Dispatcher) EngineOption {
	return func(engine *Engine) {
		engine.dispatcher = dispatcher
	}
}

// NewEngine creates a new engine instance and seals its command registry.
func NewEngine(options ...EngineOption) (*Engine, error) {
	node := sharedKeyNode()
	engine := &Engine{
		name:      fmt.Sprintf("leorces-engine-%d", node.Generate().Int64()),
		snowflake: node,
		tracer:    otel.Tracer("engine"),
	}
	for _, option := range options {
		option(engine)
	}
	if engine.persistence == nil {
		return nil, errors.New("engine requires a storage, use WithStorage")
	}
	if engine.evaluator == nil {
		engine.evaluator = expression.NewFeelEvaluator()
	}
	if engine.dispatcher == nil {
		engine.dispatcher = dispatch.NewDispatcher()
	}

	cache, err := lru.New[string, model.ProcessDefinition](definitionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create definition cache: %w", err)
	}
	engine.definitions = cache

	engine.metrics, err = otelPkg.NewMetrics(otel.Meter("engine-meter"))
	if err != nil {
		return nil, fmt.Errorf("failed to create engine metrics: %w", err)
	}

	engine.registerBehaviors()
	if err := engine.registerHandlers(); err != nil {
		return nil, fmt.Errorf("failed to register command handlers: %w", err)
	}
	engine.dispatcher.Seal()
	return engine, nil
}

// Name returns the name of the engine, only useful in case you control
// multiple ones.
func (engine *Engine) Name() string {
	return engine.name
}

// Stop drains the async dispatch pool.
func (engine *Engine) Stop() {
	engine.dispatcher.Close()
}

// definitionById loads a process definition through the LRU cache.
// Definitions are immutable once deployed, so cached entries never go
// stale.
func (engine *Engine) definitionById(ctx context.Context, id string) (model.ProcessDefinition, error) {
	if def, ok := engine.definitions.Get(id); ok {
		return def, nil
	}
	def, err := engine.persistence.FindProcessDefinitionById(ctx, id)
	if err != nil {
		return model.ProcessDefinition{}, errors.Join(newEngineErrorf("no process definition with id=%s was found", id), err)
	}
	engine.definitions.Add(id, def)
	return def, nil
}

// loadProcess fetches a process instance and hydrates its definition.
func (engine *Engine) loadProcess(ctx context.Context, processKey int64) (runtime.Process, error) {
	process, err := engine.persistence.FindProcessByKey(ctx, processKey)
	if err != nil {
		return runtime.Process{}, errors.Join(newEngineErrorf("no process with key=%d was found", processKey), err)
	}
	def, err := engine.definitionById(ctx, process.DefinitionId)
	if err != nil {
		return runtime.Process{}, err
	}
	process.Definition = &def
	return process, nil
}

// loadActivity fetches an activity execution and hydrates its process.
func (engine *Engine) loadActivity(ctx context.Context, activityKey int64) (runtime.ActivityExecution, error) {
	activity, err := engine.persistence.FindActivityByKey(ctx, activityKey)
	if err != nil {
		return runtime.ActivityExecution{}, errors.Join(newEngineErrorf("no activity with key=%d was found", activityKey), err)
	}
	process, err := engine.loadProcess(ctx, activity.ProcessKey)
	if err != nil {
		return runtime.ActivityExecution{}, err
	}
	activity.Process = &process
	return activity, nil
}
