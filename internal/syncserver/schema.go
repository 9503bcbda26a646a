package syncserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var schemaPrinter = message.NewPrinter(language.English)

func compileSchema(storeName, source string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("%w: schema for %s: %v", ErrInvalidInput, storeName, err)
	}
	location := "https://fieldsync.local/schemas/" + storeName + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, doc); err != nil {
		return nil, fmt.Errorf("%w: schema for %s: %v", ErrInvalidInput, storeName, err)
	}
	compiled, err := compiler.Compile(location)
	if err != nil {
		return nil, fmt.Errorf("%w: schema for %s: %v", ErrInvalidInput, storeName, err)
	}
	return compiled, nil
}

// validateSchema adds one message per failing leaf of the schema evaluation
// to out. Only non-validation failures are returned.
func validateSchema(schema *jsonschema.Schema, data map[string]any, out *ValidationError) error {
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	err = schema.Validate(instance)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	collectSchemaErrors(verr, out)
	return nil
}

func collectSchemaErrors(verr *jsonschema.ValidationError, out *ValidationError) {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			collectSchemaErrors(cause, out)
		}
		return
	}
	text := verr.ErrorKind.LocalizedString(schemaPrinter)
	if required, ok := verr.ErrorKind.(*kind.Required); ok && len(verr.InstanceLocation) == 0 {
		for _, field := range required.Missing {
			out.Add(field, text)
		}
		return
	}
	field := strings.Join(verr.InstanceLocation, ".")
	if field == "" {
		field = "payload"
	}
	out.Add(field, text)
}
