package ingestion

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrInvalidRecord means the input is not a combined record.
	ErrInvalidRecord = errors.New("invalid combined record")
	// ErrMalformedTimestamp means a report time value is not a number.
	ErrMalformedTimestamp = errors.New("malformed timestamp")
)

const recordSchemaURL = "https://tracealign.local/schema/record-v1.schema.json"

//go:embed schema/record-v1.schema.json
var recordSchema []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(recordSchemaURL, bytes.NewReader(recordSchema)); err != nil {
			schemaErr = fmt.Errorf("add record schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(recordSchemaURL)
	})
	return compiledSchema, schemaErr
}

// Decode reads a combined record, checks it against the record schema and
// returns its snapshot.
func Decode(r io.Reader) (*Snapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return DecodeBytes(data)
}

// DecodeBytes is Decode for an in-memory record.
func DecodeBytes(data []byte) (*Snapshot, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		if errors.Is(err, ErrMalformedTimestamp) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	return rec.Snapshot()
}
