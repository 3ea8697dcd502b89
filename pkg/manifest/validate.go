package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/pcrbatch/internal/assets/schemas"
)

// SchemaID is the schema identifier for batch manifests.
const SchemaID = "pcrbatch/v1.0.0/batch-manifest"

// Validation errors
var (
	// ErrSchemaNotFound indicates the schema file could not be located.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

// Cached validator instance (compiled once from embedded schema)
var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/jobs/1/depends_on").
	Path string

	// Message describes the validation failure.
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "manifest validation failed with %d errors:\n", len(e))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks a typed manifest: schema first, then the job graph.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for validation: %w", err)
	}
	if err := ValidateRaw(data); err != nil {
		return err
	}
	return Check(m)
}

// ValidateRaw checks raw JSON data against the embedded manifest schema,
// including rejection of unknown fields.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		// Only include errors, not warnings
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Check validates what the schema cannot express: unique job names,
// dependencies on earlier jobs only, parseable durations and the settings
// the chosen provider requires.
func Check(m *Manifest) error {
	var errs ValidationErrors

	seen := make(map[string]int, len(m.Jobs))
	for i, job := range m.Jobs {
		path := fmt.Sprintf("/jobs/%d", i)
		if prev, dup := seen[job.Name]; dup {
			errs = append(errs, ValidationError{Path: path + "/name", Message: fmt.Sprintf("duplicate job name %q (first used by /jobs/%d)", job.Name, prev)})
			continue
		}
		for j, dep := range job.DependsOn {
			if _, ok := seen[dep]; !ok {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("%s/depends_on/%d", path, j),
					Message: fmt.Sprintf("job %q must depend on an earlier job, got %q", job.Name, dep),
				})
			}
		}
		seen[job.Name] = i
	}

	cfg, err := m.BatchSettings()
	if err != nil {
		errs = append(errs, ValidationError{Path: "/batch", Message: err.Error()})
	} else if err := cfg.Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "/batch", Message: err.Error()})
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// getValidator returns a cached validator compiled from the embedded schema.
func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.BatchManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded batch-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.BatchManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
