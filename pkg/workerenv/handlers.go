package workerenv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/3leaps/pcrbatch/pkg/execution"
	"github.com/3leaps/pcrbatch/pkg/provider"
)

// ErrUnknownHandler is returned by Builtin for an unregistered name.
var ErrUnknownHandler = errors.New("unknown worker handler")

var builtins = map[string]Handler{
	"sum":  Sum,
	"echo": Echo,
}

// Builtin returns the named built-in handler.
func Builtin(name string) (Handler, error) {
	h, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownHandler, name, BuiltinNames())
	}
	return h, nil
}

// BuiltinNames lists the built-in handlers in sorted order.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sum is the reference workload: it reads the numbers x and y and returns
// "x+y" and "x*y". Integer inputs produce integer outputs.
func Sum(_ context.Context, input map[string]any) (any, error) {
	x, err := number(input, "x")
	if err != nil {
		return nil, err
	}
	y, err := number(input, "y")
	if err != nil {
		return nil, err
	}

	xi, xErr := x.Int64()
	yi, yErr := y.Int64()
	if xErr == nil && yErr == nil {
		return map[string]int64{"x+y": xi + yi, "x*y": xi * yi}, nil
	}

	xf, err := x.Float64()
	if err != nil {
		return nil, fmt.Errorf("x: %w", err)
	}
	yf, err := y.Float64()
	if err != nil {
		return nil, fmt.Errorf("y: %w", err)
	}
	return map[string]float64{"x+y": xf + yf, "x*y": xf * yf}, nil
}

// Echo returns its input unchanged.
func Echo(_ context.Context, input map[string]any) (any, error) {
	return input, nil
}

func number(input map[string]any, key string) (json.Number, error) {
	switch v := input[key].(type) {
	case json.Number:
		return v, nil
	case nil:
		return "", fmt.Errorf("input field %q is required", key)
	default:
		return "", fmt.Errorf("input field %q must be a number, got %T", key, v)
	}
}

// WorkerFunc adapts h into an in-process worker: it recovers the job's
// environment from the submit request and runs h against store.
func WorkerFunc(store provider.ObjectStore, h Handler) func(context.Context, execution.SubmitRequest) error {
	return func(ctx context.Context, req execution.SubmitRequest) error {
		env, err := FromVars(req.Environment)
		if err != nil {
			return err
		}
		return Run(ctx, store, env, h)
	}
}
