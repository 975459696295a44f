// Package dispatch composes the adapter registry and worker pool into a
// task-agnostic prompt dispatch: one call spawns an agent, bounds it with a
// timeout, and resolves to a parsed, schema-checked result.
package dispatch

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/johnplanow/substrate-sub006/internal/adapter"
	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/common/logger"
	"github.com/johnplanow/substrate-sub006/internal/pool"
	"github.com/johnplanow/substrate-sub006/internal/store"
	"github.com/johnplanow/substrate-sub006/internal/tracing"
	"github.com/johnplanow/substrate-sub006/pkg/agentout"
)

const tracerName = "substrate-dispatch"

// Status is the terminal state of one dispatch.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Request describes one dispatch.
type Request struct {
	Prompt string
	Agent  string
	// TaskType is checked against the adapter's declared task types; an
	// adapter with an empty list accepts everything.
	TaskType string
	// Timeout bounds the invocation; zero means unbounded. On expiry the
	// worker is terminated and the result status is timeout.
	Timeout time.Duration
	// OutputSchema, when set, is a JSON Schema the structured output block
	// must satisfy. Validation failure surfaces as Result.ParseError, not
	// as a dispatch failure: callers can still recover artifacts from the
	// worktree.
	OutputSchema     []byte
	WorkingDirectory string

	Model     string
	SessionID string
	TaskID    string
	// Category labels the cost entry; defaults to execution.
	Category string
}

// Result carries the terminal outcome of one dispatch.
type Result struct {
	Status        Status
	ExitCode      int
	Output        string
	Error         string
	Parsed        map[string]any
	ParseError    string
	DurationMs    int64
	TokenEstimate adapter.TokenEstimate
	// CostUSD is the estimated spend the usage sink recorded for this
	// dispatch. Zero when no sink is configured.
	CostUSD float64
}

// Usage is handed to the UsageSink once per finished dispatch.
type Usage struct {
	SessionID  string
	TaskID     string
	Agent      string
	Model      string
	Category   string
	Status     Status
	Tokens     adapter.TokenEstimate
	DurationMs int64
}

// UsageSink records per-dispatch spend and returns the estimated cost it
// recorded. The cost tracker implements it.
type UsageSink interface {
	RecordDispatch(ctx context.Context, usage Usage) (float64, error)
}

// Handle resolves to the dispatch result.
type Handle struct {
	WorkerID string

	worker *pool.Handle
	result Result
	done   chan struct{}
}

// Done closes when the result is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result blocks until the dispatch finishes.
func (h *Handle) Result(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel terminates the underlying worker. The result still resolves, with
// the worker's exit status.
func (h *Handle) Cancel(reason string) {
	h.worker.Cancel(reason)
}

// Dispatcher issues prompt dispatches against registered adapters.
type Dispatcher struct {
	registry *adapter.Registry
	pool     *pool.Pool
	log      *logger.Logger
	sink     UsageSink
}

func New(registry *adapter.Registry, workerPool *pool.Pool, log *logger.Logger, sink UsageSink) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		pool:     workerPool,
		log:      log,
		sink:     sink,
	}
}

// Dispatch spawns the agent for req and returns a handle that resolves to
// its result. Spawn-time problems (unknown agent, bad schema, unstartable
// binary) are returned here; everything after spawn resolves through the
// handle.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Handle, error) {
	ctx, span := tracing.Tracer(tracerName).Start(ctx, "dispatch.Dispatch")
	defer span.End()

	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.Validation("dispatch prompt is empty")
	}
	a, err := d.registry.Get(req.Agent)
	if err != nil {
		return nil, err
	}
	if req.TaskType != "" {
		if caps := a.Capabilities(); len(caps.TaskTypes) > 0 && !slices.Contains(caps.TaskTypes, req.TaskType) {
			return nil, errors.Validationf("agent %s does not handle %s tasks", req.Agent, req.TaskType)
		}
	}

	// Compile up front so a broken schema fails the dispatch, not the parse.
	var schema *jsonschema.Schema
	if len(req.OutputSchema) > 0 {
		schema, err = compileSchema(req.OutputSchema)
		if err != nil {
			return nil, errors.SchemaValidation("invalid output schema", err)
		}
	}

	estimate := a.EstimateTokens(req.Prompt)
	spec := a.BuildCommand(req.Prompt, adapter.CommandOptions{
		Model:            req.Model,
		WorkingDirectory: req.WorkingDirectory,
	})

	worker, err := d.pool.Launch(ctx, pool.SpawnInfo{
		SessionID: req.SessionID,
		TaskID:    req.TaskID,
		AdapterID: a.ID(),
	}, spec)
	if err != nil {
		return nil, err
	}

	h := &Handle{WorkerID: worker.WorkerID, worker: worker, done: make(chan struct{})}
	go d.resolve(h, worker, a, req, schema, estimate, time.Now())
	return h, nil
}

// Run dispatches req and blocks until the result resolves. Callers driving
// one dispatch at a time use this instead of juggling the handle.
func (d *Dispatcher) Run(ctx context.Context, req Request) (Result, error) {
	h, err := d.Dispatch(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return h.Result(ctx)
}

func (d *Dispatcher) resolve(h *Handle, worker *pool.Handle, a adapter.WorkerAdapter, req Request, schema *jsonschema.Schema, estimate adapter.TokenEstimate, started time.Time) {
	timedOut := false
	if req.Timeout > 0 {
		select {
		case <-worker.Done():
		case <-time.After(req.Timeout):
			timedOut = true
			worker.Cancel("timeout")
		}
	}
	res, _ := worker.Wait(context.Background())

	parsed := a.ParseOutput(res.Stdout, res.Stderr, res.ExitCode)
	out := Result{
		ExitCode:      res.ExitCode,
		Output:        parsed.Output,
		Error:         parsed.Error,
		DurationMs:    time.Since(started).Milliseconds(),
		TokenEstimate: estimate,
	}
	switch {
	case timedOut:
		out.Status = StatusTimeout
		out.Error = "timed out after " + req.Timeout.String()
	case parsed.Success:
		out.Status = StatusCompleted
	default:
		out.Status = StatusFailed
	}

	if out.Status == StatusCompleted {
		flavor := a.Capabilities().OutputFlavor
		if schema != nil {
			block, found := agentout.Extract(res.Stdout, flavor, schemaRequiredKeys(req.OutputSchema)...)
			switch {
			case !found:
				out.ParseError = "no structured output block found"
			default:
				if err := schema.Validate(toJSONTypes(block)); err != nil {
					out.ParseError = err.Error()
				} else {
					out.Parsed = block
				}
			}
		} else if block, found := agentout.Extract(res.Stdout, flavor); found {
			out.Parsed = block
		}
	}

	// Spend is recorded before the handle resolves so a caller acting on
	// the result never races the cost entry.
	if d.sink != nil {
		category := req.Category
		if category == "" {
			category = store.CategoryExecution
		}
		usage := Usage{
			SessionID:  req.SessionID,
			TaskID:     req.TaskID,
			Agent:      req.Agent,
			Model:      req.Model,
			Category:   category,
			Status:     out.Status,
			Tokens:     estimate,
			DurationMs: out.DurationMs,
		}
		cost, err := d.sink.RecordDispatch(context.Background(), usage)
		if err != nil {
			d.log.Warn("failed to record dispatch cost",
				zap.String("agent", req.Agent),
				zap.Error(err))
		} else {
			out.CostUSD = cost
		}
	}

	h.result = out
	close(h.done)
}

func compileSchema(schemaBytes []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

// schemaRequiredKeys pulls the top-level required list so extraction can
// skip unrelated structured blocks in the agent's output.
func schemaRequiredKeys(schemaBytes []byte) []string {
	var doc struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return nil
	}
	return doc.Required
}

// toJSONTypes round-trips a block through encoding/json so YAML-decoded
// values (ints, map[any]any) validate like their JSON equivalents.
func toJSONTypes(m map[string]any) any {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}
