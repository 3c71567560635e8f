package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ArgsValidator checks tool-call arguments against the tool's declared input
// schema. Unrecognized or malformed schemas degrade to a permissive validator
// so a server with an exotic schema still has usable tools.
type ArgsValidator struct {
	resolved   *jsonschema.Resolved
	permissive bool
}

// CompileSchema builds a validator from a tool's raw JSON-Schema input
// declaration. It never fails: anything that cannot be compiled yields a
// permissive validator, and the returned error only reports why.
func CompileSchema(raw json.RawMessage) (*ArgsValidator, error) {
	if len(raw) == 0 {
		return &ArgsValidator{permissive: true}, nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return &ArgsValidator{permissive: true}, fmt.Errorf("unparseable input schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return &ArgsValidator{permissive: true}, fmt.Errorf("unresolvable input schema: %w", err)
	}
	return &ArgsValidator{resolved: resolved}, nil
}

// Permissive reports whether this validator accepts anything.
func (v *ArgsValidator) Permissive() bool {
	return v.permissive
}

// Validate returns nil when the arguments satisfy the schema.
func (v *ArgsValidator) Validate(args map[string]interface{}) error {
	if v.permissive {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return v.resolved.Validate(args)
}
