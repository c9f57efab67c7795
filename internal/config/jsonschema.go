package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

var (
	compiledOnce   sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func projectSchema() (*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(schemaJSON)); err != nil {
			compileErr = errors.Wrap(err, "invalid config schema")
			return
		}
		compiledSchema, compileErr = compiler.Compile("schema.json")
		if compileErr != nil {
			compileErr = errors.Wrap(compileErr, "invalid config schema")
		}
	})
	return compiledSchema, compileErr
}

// ValidateSchema checks raw YAML against the embedded JSON schema. Every
// violation is reported as a ValidationError keyed by its instance
// location.
func ValidateSchema(data []byte) error {
	schema, err := projectSchema()
	if err != nil {
		return err
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(err, "parsing config")
	}

	// Round-trip through JSON so numbers and maps take the shapes the
	// validator expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "config is not representable as JSON")
	}
	var instance interface{}
	if err := json.Unmarshal(raw, &instance); err != nil {
		return errors.Wrap(err, "config is not representable as JSON")
	}

	err = schema.Validate(instance)
	if err == nil {
		return nil
	}
	validationErr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err
	}

	errs := &ValidationErrors{}
	collectSchemaErrors(validationErr, errs)
	if !errs.HasErrors() {
		errs.Add("", validationErr.Error())
	}
	return errs
}

// collectSchemaErrors flattens the leaf causes of a schema failure.
func collectSchemaErrors(err *jsonschema.ValidationError, errs *ValidationErrors) {
	if len(err.Causes) == 0 {
		errs.Add(schemaField(err.InstanceLocation), err.Message)
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(cause, errs)
	}
}

// schemaField turns a JSON pointer like /user_groups/0/threads into
// user_groups[0].threads.
func schemaField(pointer string) string {
	var sb strings.Builder
	for _, part := range strings.Split(pointer, "/") {
		if part == "" {
			continue
		}
		if idx, err := strconv.Atoi(part); err == nil {
			fmt.Fprintf(&sb, "[%d]", idx)
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(part)
	}
	return sb.String()
}
