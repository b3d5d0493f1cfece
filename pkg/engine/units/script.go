package units

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/engine/runtime"
)

const (
	defaultScriptFunction = "transform"
	defaultScriptTimeout  = time.Second
)

var blockedGlobals = []string{"require", "module", "exports", "process", "global", "eval"}

// ScriptUnit runs a JavaScript function over the DataBag. The function
// receives the bag as an object and returns the next bag. Two helpers are
// available to the script: exit(payload) ends the pipeline, and
// branch(key, data) tags the result for the following conditional map.
type ScriptUnit struct {
	name     string
	function string
	timeout  time.Duration
	program  *goja.Program
}

type scriptSignal struct {
	outcome runtime.Outcome
	key     any
	value   any
}

// NewScript compiles the script source.
func NewScript(spec domain.ScriptSpec) (*ScriptUnit, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = "script"
	}
	if strings.TrimSpace(spec.Source) == "" {
		return nil, fmt.Errorf("%w: script unit %q requires source", domain.ErrConfigInvalid, name)
	}
	program, err := goja.Compile(name+".js", spec.Source, true)
	if err != nil {
		return nil, fmt.Errorf("compile script unit %q: %w", name, err)
	}

	fn := strings.TrimSpace(spec.Function)
	if fn == "" {
		fn = defaultScriptFunction
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}
	return &ScriptUnit{name: name, function: fn, timeout: timeout, program: program}, nil
}

func (u *ScriptUnit) Name() string       { return u.name }
func (u *ScriptUnit) Kind() runtime.Kind { return runtime.KindTransform }

// Call runs the script in a fresh runtime. The run is interrupted when the
// unit timeout elapses or ctx is done.
func (u *ScriptUnit) Call(ctx context.Context, data domain.DataBag) (runtime.Result, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	for _, global := range blockedGlobals {
		if err := vm.Set(global, goja.Undefined()); err != nil {
			return runtime.Result{}, fmt.Errorf("script unit %q: sandbox: %w", u.name, err)
		}
	}
	if err := vm.Set("exit", func(payload goja.Value) *scriptSignal {
		return &scriptSignal{outcome: runtime.OutcomeExit, value: exportValue(payload)}
	}); err != nil {
		return runtime.Result{}, err
	}
	if err := vm.Set("branch", func(key goja.Value, bag goja.Value) *scriptSignal {
		return &scriptSignal{outcome: runtime.OutcomeBranch, key: exportValue(key), value: exportValue(bag)}
	}); err != nil {
		return runtime.Result{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	var (
		interruptMu sync.Mutex
		interrupted bool
	)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-runCtx.Done():
			interruptMu.Lock()
			interrupted = true
			interruptMu.Unlock()
			vm.Interrupt("execution timeout")
		case <-done:
		}
	}()

	wrap := func(err error) error {
		interruptMu.Lock()
		wasInterrupted := interrupted
		interruptMu.Unlock()
		if wasInterrupted {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("script unit %q: %w after %s", u.name, domain.ErrScriptTimeout, u.timeout)
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return fmt.Errorf("script unit %q: %s", u.name, exc.Value().String())
		}
		return fmt.Errorf("script unit %q: %w", u.name, err)
	}

	if _, err := vm.RunProgram(u.program); err != nil {
		return runtime.Result{}, wrap(err)
	}
	fn, ok := goja.AssertFunction(vm.Get(u.function))
	if !ok {
		return runtime.Result{}, fmt.Errorf("script unit %q: %q is not a function", u.name, u.function)
	}
	value, err := fn(goja.Undefined(), vm.ToValue(map[string]any(data.Clone())))
	if err != nil {
		return runtime.Result{}, wrap(err)
	}

	switch out := exportValue(value).(type) {
	case *scriptSignal:
		if out.outcome == runtime.OutcomeExit {
			return runtime.Exit(out.value), nil
		}
		bag, err := u.toBag(out.value, data)
		if err != nil {
			return runtime.Result{}, err
		}
		return runtime.Branch(normalizeKey(out.key), bag), nil
	default:
		bag, err := u.toBag(out, domain.DataBag{})
		if err != nil {
			return runtime.Result{}, err
		}
		return runtime.Continue(bag), nil
	}
}

func (u *ScriptUnit) toBag(value any, fallback domain.DataBag) (domain.DataBag, error) {
	switch v := value.(type) {
	case nil:
		return fallback, nil
	case map[string]any:
		return domain.DataBag(v), nil
	default:
		return nil, fmt.Errorf("script unit %q: expected an object, got %T", u.name, value)
	}
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
