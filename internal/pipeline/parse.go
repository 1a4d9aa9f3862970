package pipeline

import (
	_ "embed"
	"errors"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/kilnhq/kilnd/internal/errs"
)

// Largest pipeline file accepted by Parse.
const MaxFileSize = 1 << 20

// Root definition in the embedded schema.
const schemaRoot = "#Pipeline"

//go:embed schema.cue
var schema []byte

// Reads and parses the pipeline file at path.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(ErrParse, err)
	}
	return Parse(data, path)
}

// Parses CUE source into a pipeline.
//
// The source is unified with the embedded #Pipeline schema and must be
// concrete. Schema violations are reported with file positions. The result
// is not validated beyond the schema; call [Pipeline.Validate].
func Parse(data []byte, filename string) (*Pipeline, error) {
	if filename == "" {
		filename = "<input>"
	}

	if len(data) > MaxFileSize {
		return nil, errs.Wrapf(ErrParse, "%s is %d bytes, limit is %d", filename, len(data), MaxFileSize)
	}

	ctx := cuecontext.New()

	schemaValue := ctx.CompileBytes(schema, cue.Filename("schema.cue"))
	if err := schemaValue.Err(); err != nil {
		return nil, errs.Wrapf(ErrParse, "schema: %w", err)
	}

	root := schemaValue.LookupPath(cue.ParsePath(schemaRoot))
	if err := root.Err(); err != nil {
		return nil, errs.Wrapf(ErrParse, "schema definition %s: %w", schemaRoot, err)
	}

	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, formatError(err)
	}

	unified := root.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatError(err)
	}

	var p Pipeline
	if err := unified.Decode(&p); err != nil {
		return nil, formatError(err)
	}

	return &p, nil
}

// Converts a CUE error into a parse error listing every position.
func formatError(err error) error {
	return errs.Wrap(ErrParse, errors.New(strings.TrimSpace(cueerrors.Details(err, nil))))
}
