package workerenv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/3leaps/pcrbatch/pkg/provider"
)

// Handler computes a job's output from its decoded input.
type Handler func(ctx context.Context, input map[string]any) (any, error)

// Run executes one job: read the staged input, call h, write the output.
//
// No output object is written when h fails, which is how the manager tells a
// failed job apart when collecting outputs.
func Run(ctx context.Context, store provider.ObjectStore, env Env, h Handler) error {
	if err := env.Validate(); err != nil {
		return err
	}

	raw, err := provider.ReadObject(ctx, store, env.ConfigKey)
	if err != nil {
		return fmt.Errorf("read job config %s: %w", env.ConfigKey, err)
	}

	var input map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&input); err != nil {
		return fmt.Errorf("decode job config: %w", err)
	}

	result, err := h(ctx, input)
	if err != nil {
		return err
	}

	out, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode job output: %w", err)
	}
	if err := store.PutObject(ctx, env.OutputKey, bytes.NewReader(out), int64(len(out))); err != nil {
		return fmt.Errorf("write job output %s: %w", env.OutputKey, err)
	}
	return nil
}
