// Package validate checks position requests against the JSON schema of
// their kind before they reach the lifecycle manager.
package validate

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrValidation can be used with errors.Is to detect schema rejections.
var ErrValidation = errors.New("validation failed")

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles the embedded request schema of every position kind.
func New() (*Validator, error) {
	names, err := fs.Glob(schemaFS, "schemas/*.json")
	if err != nil {
		return nil, err
	}
	schemas := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		data, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", name, err)
		}
		kind := strings.TrimSuffix(path.Base(name), ".json")
		id := "https://yieldsim.dev/schemas/" + kind + ".open"
		schemas[kind], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", kind, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// MustNew is New for package-level wiring where the embedded schemas are
// known to compile.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Kinds reports the kinds a schema is loaded for.
func (v *Validator) Kinds() []string {
	out := make([]string, 0, len(v.schemas))
	for k := range v.schemas {
		out = append(out, k)
	}
	return out
}

// ValidateOpen hard-rejects an open-position body that does not match the
// schema of kind.
func (v *Validator) ValidateOpen(kind string, body json.RawMessage) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, kind)
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
