package agent

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/autowebiq/backend/internal/logging"
	"github.com/autowebiq/backend/internal/models"
)

// ErrInvalidOutput can be used with errors.Is to detect output that does not
// match its agent type's schema.
var ErrInvalidOutput = errors.New("agent output failed validation")

//go:embed schemas/*.json
var embedded embed.FS

// DefaultSchemas holds one output schema per agent type, named <agent_type>.json.
func DefaultSchemas() fs.FS {
	sub, err := fs.Sub(embedded, "schemas")
	if err != nil {
		panic(err)
	}
	return sub
}

// Validator checks agent output against a JSON schema per agent type.
// Agent types without a schema are not checked.
type Validator struct {
	schemas map[models.AgentType]*jsonschema.Schema
}

// NewValidator compiles every *.json file in fsys. The file name without its
// extension must be a known agent type.
func NewValidator(fsys fs.FS) (*Validator, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	schemas := make(map[models.AgentType]*jsonschema.Schema)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		t, err := models.ParseAgentType(strings.TrimSuffix(e.Name(), path.Ext(e.Name())))
		if err != nil {
			return nil, fmt.Errorf("schema %q: %w", e.Name(), err)
		}
		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		id := "https://autowebiq.dev/schemas/agents/" + string(t) + ".output"
		schemas[t], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile output schema %q: %w", t, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// Validate returns an ErrInvalidOutput error when output does not match the
// schema for t.
func (v *Validator) Validate(t models.AgentType, output json.RawMessage) error {
	schema, ok := v.schemas[t]
	if !ok {
		return nil
	}
	if len(output) == 0 {
		return fmt.Errorf("%w: empty output", ErrInvalidOutput)
	}
	var doc interface{}
	if err := json.Unmarshal(output, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrInvalidOutput, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return nil
}

// Checked wraps a so that every successful result is validated. In strict
// mode a mismatch fails the invocation; otherwise it is only logged.
func (v *Validator) Checked(t models.AgentType, a Agent, strict bool, logger *zap.Logger) Agent {
	logger = logging.OrNop(logger).Named("agent")
	return Func(func(ctx context.Context, model models.Model, prompt string) (Result, error) {
		res, err := a.Invoke(ctx, model, prompt)
		if err != nil {
			return res, err
		}
		if verr := v.Validate(t, res.Output); verr != nil {
			if strict {
				return res, verr
			}
			logger.Warn("agent output does not match schema",
				zap.String("agent_type", string(t)),
				zap.String("model", string(model)),
				zap.Error(verr))
		}
		return res, nil
	})
}
