package docstore

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://relaydoc.local/schemas/"

var recordSchemas = struct {
	once    sync.Once
	err     error
	schemas map[Kind]*jsonschema.Schema
}{}

func compileRecordSchemas() (map[Kind]*jsonschema.Schema, error) {
	recordSchemas.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		kinds := []Kind{KindCommit, KindTree, KindRef, KindMetadata, KindSettings}
		for _, kind := range kinds {
			raw, err := schemaFS.ReadFile("schemas/" + string(kind) + ".json")
			if err != nil {
				recordSchemas.err = err
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				recordSchemas.err = fmt.Errorf("parse %s schema: %w", kind, err)
				return
			}
			if err := compiler.AddResource(schemaBaseURL+string(kind)+".json", doc); err != nil {
				recordSchemas.err = err
				return
			}
		}
		compiled := make(map[Kind]*jsonschema.Schema, len(kinds))
		for _, kind := range kinds {
			sch, err := compiler.Compile(schemaBaseURL + string(kind) + ".json")
			if err != nil {
				recordSchemas.err = fmt.Errorf("compile %s schema: %w", kind, err)
				return
			}
			compiled[kind] = sch
		}
		recordSchemas.schemas = compiled
	})
	return recordSchemas.schemas, recordSchemas.err
}

// ValidateRecord checks a record against the schema of its kind.
func ValidateRecord(rec Record) error {
	schemas, err := compileRecordSchemas()
	if err != nil {
		return err
	}
	sch, ok := schemas[rec.Kind]
	if !ok {
		return fmt.Errorf("%w: record %s has unknown type %q", ErrInvalidInput, rec.ID, rec.Kind)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: record %s: %v", ErrInvalidInput, rec.ID, err)
	}
	return nil
}
