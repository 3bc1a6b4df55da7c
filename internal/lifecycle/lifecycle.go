// Package lifecycle drives reconcilers through create, read, update and delete.
//
// A [Coordinator] owns the persisted record of every instance it manages. Reconcilers
// compute new state or fail; they never persist anything themselves. The coordinator
// serializes operations on one instance, bounds how many instances reconcile at once, and
// only commits a new record when the reconciler succeeded.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	p "github.com/pulumi/pulumi-go-provider"
	"github.com/pulumi/pulumi/sdk/v3/go/common/util/contract"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/corymhall/pulumi-provider-pde/internal/failure"
)

// ErrGone is returned by Read when the managed object no longer exists.
var ErrGone = errors.New("resource no longer exists")

// Change is one field whose desired value differs from the recorded state.
type Change struct {
	Field string
	// Replace marks a field that cannot change in place.
	Replace bool
}

// Reconciler implements one resource type.
type Reconciler[S, T any] interface {
	// Validate checks spec before any side effect.
	Validate(spec S) error
	// Diff lists the fields of spec that differ from prior.
	Diff(spec S, prior T) []Change
	Create(ctx context.Context, id string, spec S) (T, error)
	// Read observes the real world. It returns [ErrGone] when nothing is left.
	Read(ctx context.Context, id string, prior T) (T, error)
	// Update applies spec in place. A [*failure.ReplaceRequiredError] asks for delete then
	// create instead.
	Update(ctx context.Context, id string, spec S, prior T) (T, error)
	Delete(ctx context.Context, id string, prior T) error
}

// Op names a coordinator operation.
type Op string

const (
	OpCreate  Op = "create"
	OpRead    Op = "read"
	OpUpdate  Op = "update"
	OpReplace Op = "replace"
	OpDelete  Op = "delete"
)

// Action is what an operation ended up doing.
type Action string

const (
	ActionNone    Action = "none"
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionReplace Action = "replace"
)

// Result is the outcome of a mutating operation.
type Result[T any] struct {
	State   T
	Outputs map[string]any
	Action  Action
}

// Plan is the outcome of [Coordinator.Diff].
type Plan struct {
	Changes []Change
}

// HasChanges reports whether anything differs.
func (p Plan) HasChanges() bool { return len(p.Changes) > 0 }

// Replace reports whether applying the plan requires delete then create.
func (p Plan) Replace() bool { return len(p.ReplaceFields()) > 0 }

// ReplaceFields lists the changed fields that force a replacement.
func (p Plan) ReplaceFields() []string {
	var fields []string
	for _, c := range p.Changes {
		if c.Replace {
			fields = append(fields, c.Field)
		}
	}
	return fields
}

// OperationError wraps every error a coordinator returns. It keeps the kind of the
// underlying failure.
type OperationError struct {
	Op       Op
	Type     string
	Instance string
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s %q: %v", e.Op, e.Type, e.Instance, e.Err)
}
func (e *OperationError) Unwrap() error      { return e.Err }
func (e *OperationError) Kind() failure.Kind { return failure.KindOf(e.Err) }
func (e *OperationError) Retryable() bool    { return failure.IsRetryable(e.Err) }

// Options configure a [Coordinator].
type Options[S, T any] struct {
	// Store keeps instance records. It defaults to an in-memory store.
	Store Store[S, T]
	// Parallelism caps concurrently running reconciliations. Zero means unbounded.
	Parallelism int64
	// Limiter is shared with other coordinators. It takes precedence over Parallelism.
	Limiter *semaphore.Weighted
}

// Coordinator runs the life cycle of every instance of one resource type.
type Coordinator[S, T any] struct {
	typ   string
	r     Reconciler[S, T]
	store Store[S, T]
	locks keyedMutex
	sem   *semaphore.Weighted

	mu       sync.Mutex
	machines map[string]*phaseMachine
}

// New returns a coordinator for reconciler r. typ names the resource type in errors.
func New[S, T any](typ string, r Reconciler[S, T], opts Options[S, T]) *Coordinator[S, T] {
	contract.Assertf(r != nil, "a coordinator needs a reconciler")
	c := &Coordinator[S, T]{
		typ:      typ,
		r:        r,
		store:    opts.Store,
		machines: map[string]*phaseMachine{},
	}
	if c.store == nil {
		c.store = NewMemoryStore[S, T]()
	}
	switch {
	case opts.Limiter != nil:
		c.sem = opts.Limiter
	case opts.Parallelism > 0:
		c.sem = semaphore.NewWeighted(opts.Parallelism)
	}
	return c
}

// Phase reports where instance id currently is.
func (c *Coordinator[S, T]) Phase(id string) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.machines[id]; ok {
		return m.Phase()
	}
	return NoState
}

// Diff compares spec with prior without touching anything.
func (c *Coordinator[S, T]) Diff(spec S, prior T) Plan {
	changes := c.r.Diff(spec, prior)
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
	return Plan{Changes: changes}
}

// Create brings a new instance into existence. Creating an instance that already exists
// with the same spec and no drift returns the recorded state unchanged.
func (c *Coordinator[S, T]) Create(ctx context.Context, id string, spec S) (Result[T], error) {
	if err := c.r.Validate(spec); err != nil {
		return Result[T]{}, c.fail(OpCreate, id, err)
	}
	release, err := c.acquire(ctx, id)
	if err != nil {
		return Result[T]{}, c.fail(OpCreate, id, err)
	}
	defer release()

	m, err := c.machine(id)
	if err != nil {
		return Result[T]{}, c.fail(OpCreate, id, err)
	}
	if rec, ok := c.store.Load(id); ok && rec.Phase == Created {
		if reflect.DeepEqual(rec.Spec, spec) {
			current, err := c.r.Read(ctx, id, rec.State)
			if err == nil && len(c.r.Diff(spec, current)) == 0 {
				c.store.Save(id, Record[S, T]{Phase: Created, Spec: spec, State: current})
				return c.result(current, ActionNone), nil
			}
		}
		return c.update(ctx, m, id, spec, rec.State)
	}
	if m.Phase() == Created {
		_ = m.fire(eventForget)
	}

	return c.create(ctx, m, id, spec, OpCreate, ActionCreate)
}

// Read refreshes the recorded state of an instance from the real world.
func (c *Coordinator[S, T]) Read(ctx context.Context, id string, prior T) (T, error) {
	var zero T
	release, err := c.acquire(ctx, id)
	if err != nil {
		return zero, c.fail(OpRead, id, err)
	}
	defer release()

	m, err := c.machine(id)
	if err != nil {
		return zero, c.fail(OpRead, id, err)
	}
	rec, prior := c.restore(m, id, prior)
	current, err := c.r.Read(ctx, id, prior)
	if errors.Is(err, ErrGone) {
		_ = m.fire(eventForget)
		c.forget(id)
		return zero, c.fail(OpRead, id, err)
	} else if err != nil {
		return zero, c.fail(OpRead, id, err)
	}
	c.store.Save(id, Record[S, T]{Phase: Created, Spec: rec.Spec, State: current})
	return current, nil
}

// Update moves an instance to spec, in place when possible and by delete then create
// when a changed field requires it. A zero prior falls back to the recorded state.
func (c *Coordinator[S, T]) Update(ctx context.Context, id string, spec S, prior T) (Result[T], error) {
	if err := c.r.Validate(spec); err != nil {
		return Result[T]{}, c.fail(OpUpdate, id, err)
	}
	release, err := c.acquire(ctx, id)
	if err != nil {
		return Result[T]{}, c.fail(OpUpdate, id, err)
	}
	defer release()

	m, err := c.machine(id)
	if err != nil {
		return Result[T]{}, c.fail(OpUpdate, id, err)
	}
	_, prior = c.restore(m, id, prior)
	return c.update(ctx, m, id, spec, prior)
}

// Delete removes an instance. A zero prior falls back to the recorded state.
func (c *Coordinator[S, T]) Delete(ctx context.Context, id string, prior T) error {
	release, err := c.acquire(ctx, id)
	if err != nil {
		return c.fail(OpDelete, id, err)
	}
	defer release()

	m, err := c.machine(id)
	if err != nil {
		return c.fail(OpDelete, id, err)
	}
	_, prior = c.restore(m, id, prior)
	return c.delete(ctx, m, id, prior, OpDelete)
}

func (c *Coordinator[S, T]) create(ctx context.Context, m *phaseMachine, id string, spec S, op Op, action Action) (Result[T], error) {
	if err := m.fire(eventCreate); err != nil {
		return Result[T]{}, c.fail(op, id, err)
	}
	state, err := c.r.Create(ctx, id, spec)
	if err != nil {
		contract.AssertNoErrorf(m.fire(eventFailed), "leaving %s", Creating)
		return Result[T]{}, c.fail(op, id, err)
	}
	contract.AssertNoErrorf(m.fire(eventSucceeded), "leaving %s", Creating)
	c.store.Save(id, Record[S, T]{Phase: Created, Spec: spec, State: state})
	return c.result(state, action), nil
}

func (c *Coordinator[S, T]) update(ctx context.Context, m *phaseMachine, id string, spec S, prior T) (Result[T], error) {
	if plan := c.Diff(spec, prior); plan.Replace() {
		p.GetLogger(ctx).Debugf("%s %q: replacing because %v changed", c.typ, id, plan.ReplaceFields())
		return c.replace(ctx, m, id, spec, prior)
	}

	if err := m.fire(eventUpdate); err != nil {
		return Result[T]{}, c.fail(OpUpdate, id, err)
	}
	state, err := c.r.Update(ctx, id, spec, prior)
	var replace *failure.ReplaceRequiredError
	if errors.As(err, &replace) {
		contract.AssertNoErrorf(m.fire(eventFailed), "leaving %s", Updating)
		p.GetLogger(ctx).Debugf("%s %q: %v", c.typ, id, replace)
		return c.replace(ctx, m, id, spec, prior)
	} else if err != nil {
		contract.AssertNoErrorf(m.fire(eventFailed), "leaving %s", Updating)
		return Result[T]{}, c.fail(OpUpdate, id, err)
	}
	contract.AssertNoErrorf(m.fire(eventSucceeded), "leaving %s", Updating)
	c.store.Save(id, Record[S, T]{Phase: Created, Spec: spec, State: state})
	return c.result(state, ActionUpdate), nil
}

func (c *Coordinator[S, T]) replace(ctx context.Context, m *phaseMachine, id string, spec S, prior T) (Result[T], error) {
	if err := c.delete(ctx, m, id, prior, OpReplace); err != nil {
		return Result[T]{}, err
	}
	return c.create(ctx, m, id, spec, OpReplace, ActionReplace)
}

func (c *Coordinator[S, T]) delete(ctx context.Context, m *phaseMachine, id string, prior T, op Op) error {
	if err := m.fire(eventDelete); err != nil {
		return c.fail(op, id, err)
	}
	err := c.r.Delete(ctx, id, prior)
	var uninstall *failure.UninstallError
	switch {
	case err == nil:
	case errors.As(err, &uninstall) && uninstall.Cleanup == nil:
		// The files are gone even though some commands failed; the instance no longer
		// exists but the failures are still reported.
		contract.AssertNoErrorf(m.fire(eventSucceeded), "leaving %s", Deleting)
		c.removed(id, op)
		return c.fail(op, id, err)
	default:
		contract.AssertNoErrorf(m.fire(eventFailed), "leaving %s", Deleting)
		return c.fail(op, id, err)
	}
	contract.AssertNoErrorf(m.fire(eventSucceeded), "leaving %s", Deleting)
	c.removed(id, op)
	return nil
}

// removed drops the record of a deleted instance. A replace keeps the phase machine for
// the create that follows.
func (c *Coordinator[S, T]) removed(id string, op Op) {
	if op == OpReplace {
		c.store.Remove(id)
		return
	}
	c.forget(id)
}

// forget drops everything held for id. Callers hold the instance lock.
func (c *Coordinator[S, T]) forget(id string) {
	c.store.Remove(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.machines, id)
}

// restore adopts an instance known only from the caller's persisted state.
func (c *Coordinator[S, T]) restore(m *phaseMachine, id string, prior T) (Record[S, T], T) {
	rec, ok := c.store.Load(id)
	if ok && reflect.ValueOf(&prior).Elem().IsZero() {
		prior = rec.State
	}
	if m.Phase() == NoState {
		contract.AssertNoErrorf(m.fire(eventRestore), "restoring %q", id)
	}
	return rec, prior
}

func (c *Coordinator[S, T]) machine(id string) (*phaseMachine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.machines[id]; ok {
		return m, nil
	}
	m, err := newPhaseMachine(id)
	if err != nil {
		return nil, err
	}
	c.machines[id] = m
	return m, nil
}

func (c *Coordinator[S, T]) acquire(ctx context.Context, id string) (func(), error) {
	unlock, err := c.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.sem == nil {
		return unlock, nil
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		unlock()
		return nil, err
	}
	return func() {
		c.sem.Release(1)
		unlock()
	}, nil
}

func (c *Coordinator[S, T]) fail(op Op, id string, err error) error {
	return &OperationError{Op: op, Type: c.typ, Instance: id, Err: err}
}

func (c *Coordinator[S, T]) result(state T, action Action) Result[T] {
	outputs, err := Outputs(state)
	contract.AssertNoErrorf(err, "flattening %s state", c.typ)
	return Result[T]{State: state, Outputs: outputs, Action: action}
}

// Outputs flattens a state struct into its output attributes, keyed by `pulumi` tags.
func Outputs(state any) (map[string]any, error) {
	out := map[string]any{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "pulumi",
		Result:  &out,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(state); err != nil {
		return nil, err
	}
	return out, nil
}

// RunAll runs tasks with at most limit in flight. Every task runs; their errors are
// combined.
func RunAll(ctx context.Context, limit int, tasks ...func(context.Context) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs *multierror.Error
	)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, task := range tasks {
		g.Go(func() error {
			if err := task(ctx); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs.ErrorOrNil()
}
