package manifest

import (
	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schemaSrc is the closed shape of upy.toml. Unknown sections and keys are
// errors.
const schemaSrc = `
project?: close({
	name?:    string
	version?: string
})
source?: close({
	dirs?:  [...string]
	entry?: string
})
runtime?: close({
	"stack-size"?:       int & >=64 & <=16777216
	"max-call-depth"?:   int & >=1 & <=10000
	"max-try-depth"?:    int & >=1 & <=100000
	"max-string-pages"?: int & >=1
	"max-objects"?:      int & >=1
	"max-array-len"?:    int & >=1 & <=1073741824
})
cache?: close({
	path?:    string
	enabled?: bool
})
server?: close({
	addr?:          string
	"health-addr"?: string
})
`

// validate checks a decoded document against the schema.
func validate(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString("close({" + schemaSrc + "})")
	if err := schema.Err(); err != nil {
		return err
	}
	value := ctx.Encode(raw)
	if err := value.Err(); err != nil {
		return err
	}
	return schema.Unify(value).Validate(cue.Concrete(true))
}
