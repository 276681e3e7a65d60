package config

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// descriptorSchema constrains the deployment descriptor shape before it is
// decoded into Go structs. CUE catches shape mistakes (wrong types, unknown
// stage sections, malformed names) with positions, which struct decoding
// alone reports poorly.
const descriptorSchema = `
#Descriptor: {
	name:        string & =~"^[a-zA-Z0-9][a-zA-Z0-9._-]*$"
	repository:  string & =~"^[a-zA-Z0-9][a-zA-Z0-9._-]*$"
	environment?: string
	variables?: {[string]: string}
	variables_script?: string & =~".+\\.star$"
	stages?: {
		prepare?: {
			skip_structural_checks?: bool
		}
		validate?: {
			strict?: bool
		}
		plan?: {
			extra_args?: [...string]
		}
		apply?: {
			extra_args?: [...string]
			parallelism?: int & >=0 & <=64
		}
		verify?: {
			skip?: bool
		}
	}
}
`

// schemaChecker validates decoded descriptor documents against the CUE
// schema.
type schemaChecker struct {
	ctx    *cue.Context
	schema cue.Value
}

func newSchemaChecker() (*schemaChecker, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(descriptorSchema)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("descriptor schema does not compile: %w", err)
	}
	return &schemaChecker{ctx: ctx, schema: schema}, nil
}

// check unifies the raw document with the schema and returns all findings.
func (c *schemaChecker) check(doc map[string]interface{}) []ValidationError {
	val := c.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}

	def := c.schema.LookupPath(cue.ParsePath("#Descriptor"))
	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

// convertCUEErrors flattens a CUE error list into validation findings.
func convertCUEErrors(err error) []ValidationError {
	var findings []ValidationError
	for _, e := range cueerrors.Errors(err) {
		path := ""
		if p := e.Path(); len(p) > 0 {
			for i, seg := range p {
				if i > 0 {
					path += "."
				}
				path += seg
			}
		}
		findings = append(findings, ValidationError{
			Path:     path,
			Message:  e.Error(),
			Severity: "error",
		})
	}
	return findings
}
