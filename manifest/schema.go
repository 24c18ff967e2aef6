package manifest

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// ErrInvalid is returned when a manifest fails schema validation.
var ErrInvalid = errors.New("invalid configuration")

// schemaSource constrains every field of Manifest. Keys are the json tags.
const schemaSource = `
#Manifest: {
	heap: {
		"initial-threshold": int & >=0
		"min-threshold":     int & >=0
		"root-capacity":     int & >=1 & <=1048576
	}
	log: {
		verbosity: int & >=-4 & <=2
		file:      string
	}
	stats: {
		database: string
	}
}
`

// Validate checks m against the manifest schema.
func (m *Manifest) Validate() error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("manifest.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Manifest"))

	val := ctx.Encode(m)
	if err := val.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
