package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/engine/runtime"
)

// Simulator runs an endpoint pipeline outside the HTTP adapter and records
// every unit call for inspection.
type Simulator struct {
	registry *EndpointRegistry
	executor *Executor
	logger   *slog.Logger
}

// SimulationRequest names the pipeline to run and its input.
type SimulationRequest struct {
	Endpoint string
	Method   string
	Input    domain.DataBag
	Headers  map[string]string
}

// SimulationResponse is the pipeline outcome plus the unit trace. Error is
// set when the run failed; Status is what the HTTP adapter would answer.
type SimulationResponse struct {
	Status  int          `json:"status" yaml:"status"`
	Exited  bool         `json:"exited" yaml:"exited"`
	Output  any          `json:"output,omitempty" yaml:"output,omitempty"`
	Error   string       `json:"error,omitempty" yaml:"error,omitempty"`
	Trace   []TraceEntry `json:"trace" yaml:"trace"`
	Elapsed string       `json:"elapsed" yaml:"elapsed"`
}

// TraceEntry records one unit call, in completion order.
type TraceEntry struct {
	Unit     string `json:"unit" yaml:"unit"`
	Kind     string `json:"kind" yaml:"kind"`
	Outcome  string `json:"outcome" yaml:"outcome"`
	Key      any    `json:"key,omitempty" yaml:"key,omitempty"`
	Duration string `json:"duration" yaml:"duration"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewSimulator creates a simulator over the registry's endpoints.
func NewSimulator(registry *EndpointRegistry, executor *Executor, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	if executor == nil {
		executor = NewExecutor(ExecutorConfig{Logger: logger})
	}
	return &Simulator{
		registry: registry,
		executor: executor,
		logger:   logger,
	}
}

// Simulate executes the pipeline for req and returns the trace. Lookup
// failures are returned as errors; pipeline failures are reported in the
// response together with the trace gathered so far.
func (s *Simulator) Simulate(ctx context.Context, req SimulationRequest) (*SimulationResponse, error) {
	_, step, err := s.registry.Lookup(req.Endpoint, req.Method)
	if err != nil {
		return nil, err
	}

	s.logger.Info("starting pipeline simulation",
		slog.String("endpoint", req.Endpoint),
		slog.String("method", req.Method))

	headers := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		headers.Set(k, v)
	}
	ctx = domain.WithRequestMeta(ctx, domain.RequestMeta{
		RequestID: "simulation",
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		Headers:   headers,
	})

	rec := &traceRecorder{}
	start := time.Now()
	res, err := s.executor.Execute(ctx, rec.wrap(step), req.Input)

	resp := &SimulationResponse{
		Trace:   rec.entries(),
		Elapsed: time.Since(start).String(),
	}
	switch {
	case err != nil:
		status, body := errorResponse(err)
		resp.Status = status
		resp.Error = err.Error()
		if len(body.Fields) > 0 {
			resp.Output = body.Fields
		}
	case res.Exited:
		resp.Exited = true
		resp.Output = res.Payload
		resp.Status = http.StatusOK
		if res.Payload == nil {
			resp.Status = http.StatusNoContent
		}
	default:
		resp.Output = res.Data
		resp.Status = http.StatusOK
		if len(res.Data) == 0 {
			resp.Status = http.StatusNoContent
		}
	}

	s.logger.Info("pipeline simulation complete",
		slog.String("endpoint", req.Endpoint),
		slog.Int("trace_length", len(resp.Trace)),
		slog.Int("status", resp.Status))

	return resp, nil
}

type traceRecorder struct {
	mu    sync.Mutex
	trace []TraceEntry
}

func (r *traceRecorder) record(entry TraceEntry) {
	r.mu.Lock()
	r.trace = append(r.trace, entry)
	r.mu.Unlock()
}

func (r *traceRecorder) entries() []TraceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEntry(nil), r.trace...)
}

// wrap returns a copy of step whose units report to the recorder.
func (r *traceRecorder) wrap(step Step) Step {
	switch s := normalize(step).(type) {
	case UnitStep:
		return r.wrapLeaf(s)
	case Sequence:
		out := make(Sequence, len(s))
		for i, member := range s {
			out[i] = r.wrap(member)
		}
		return out
	case ParallelGroup:
		members := make([]UnitStep, len(s.Members))
		for i, member := range s.Members {
			members[i] = r.wrapLeaf(member)
		}
		return ParallelGroup{Members: members, PreserveInput: s.PreserveInput}
	case ConditionalMap:
		branches := make(map[any]Step, len(s.Branches))
		for key, branch := range s.Branches {
			branches[key] = r.wrap(branch)
		}
		return ConditionalMap{Branches: branches}
	default:
		return step
	}
}

func (r *traceRecorder) wrapLeaf(step UnitStep) UnitStep {
	if step.Unit == nil {
		return step
	}
	return UnitStep{Unit: &tracedUnit{Unit: step.Unit, rec: r}}
}

// tracedUnit records each call of the wrapped unit. Panics are recorded
// and re-raised so the executor still converts them.
type tracedUnit struct {
	runtime.Unit
	rec *traceRecorder
}

func (u *tracedUnit) Call(ctx context.Context, data domain.DataBag) (res runtime.Result, err error) {
	start := time.Now()
	entry := TraceEntry{Unit: u.Name(), Kind: string(u.Kind())}
	defer func() {
		entry.Duration = time.Since(start).String()
		if p := recover(); p != nil {
			entry.Outcome = "panic"
			entry.Error = fmt.Sprint(p)
			u.rec.record(entry)
			panic(p)
		}
		u.rec.record(entry)
	}()

	res, err = u.Unit.Call(ctx, data)
	switch {
	case err != nil:
		entry.Outcome = "error"
		entry.Error = err.Error()
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			entry.Outcome = "invalid"
		}
	default:
		res = res.WithDefaults()
		entry.Outcome = string(res.Outcome)
		if res.Outcome == runtime.OutcomeBranch {
			entry.Key = res.Key
		}
	}
	return res, err
}
