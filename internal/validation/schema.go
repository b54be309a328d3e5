package validation

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/space_analysis.schema.json
var spaceAnalysisSchema string

//go:embed schemas/verdict.schema.json
var verdictSchema string

// checkSchema validates a JSON document against an embedded schema and
// returns human-readable violation strings (empty on success).
func checkSchema(schema, document string) ([]string, error) {
	schemaLoader := gojsonschema.NewStringLoader(schema)
	documentLoader := gojsonschema.NewStringLoader(document)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return violations, nil
}

func joinViolations(violations []string) string {
	return strings.Join(violations, "; ")
}
