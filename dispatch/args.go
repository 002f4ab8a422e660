package dispatch

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
)

// arguments is the decoded "arguments" object of a tool call.
type arguments map[string]any

func (a arguments) has(field string) bool {
	value, ok := a[field]
	return ok && value != nil
}

func (a arguments) requiredString(field string) (string, error) {
	if !a.has(field) {
		return "", invalidArgument(field, "required")
	}
	value, ok := a[field].(string)
	if !ok {
		return "", invalidArgument(field, fmt.Sprintf("expected string, got %s", jsonKind(a[field])))
	}
	if value == "" {
		return "", invalidArgument(field, "must be at least 1 character")
	}
	return value, nil
}

func (a arguments) optionalString(field string) (*string, error) {
	if !a.has(field) {
		return nil, nil
	}
	value, ok := a[field].(string)
	if !ok {
		return nil, invalidArgument(field, fmt.Sprintf("expected string, got %s", jsonKind(a[field])))
	}
	return &value, nil
}

func (a arguments) optionalNonEmpty(field string) (*string, error) {
	value, err := a.optionalString(field)
	if err != nil || value == nil {
		return value, err
	}
	if *value == "" {
		return nil, invalidArgument(field, "must be at least 1 character")
	}
	return value, nil
}

func (a arguments) requiredURL(field string) (string, error) {
	value, err := a.requiredString(field)
	if err != nil {
		return "", err
	}
	if err := validateURL(field, value); err != nil {
		return "", err
	}
	return value, nil
}

func (a arguments) optionalURL(field string) (*string, error) {
	value, err := a.optionalString(field)
	if err != nil || value == nil {
		return value, err
	}
	if err := validateURL(field, *value); err != nil {
		return nil, err
	}
	return value, nil
}

func (a arguments) optionalEnum(field string, allowed ...string) (*string, error) {
	value, err := a.optionalString(field)
	if err != nil || value == nil {
		return value, err
	}
	for _, candidate := range allowed {
		if *value == candidate {
			return value, nil
		}
	}
	return nil, invalidArgument(field, fmt.Sprintf("must be one of %s", strings.Join(allowed, ", ")))
}

// requiredID reads a positive integer id. JSON numbers arrive as float64 and
// must carry no fractional part.
func (a arguments) requiredID(field string) (int64, error) {
	if !a.has(field) {
		return 0, invalidArgument(field, "required")
	}

	var id int64
	switch value := a[field].(type) {
	case float64:
		if value != math.Trunc(value) || math.IsInf(value, 0) || value > math.MaxInt64 {
			return 0, invalidArgument(field, "expected integer")
		}
		id = int64(value)
	case int:
		id = int64(value)
	case int64:
		id = value
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0, invalidArgument(field, "expected integer")
		}
		id = parsed
	default:
		return 0, invalidArgument(field, fmt.Sprintf("expected number, got %s", jsonKind(value)))
	}

	if id <= 0 {
		return 0, invalidArgument(field, "must be a positive integer")
	}
	return id, nil
}

// ValidateURL reports an error unless raw is an absolute URL with a scheme
// and host. Callers writing to the page store directly use it to apply the
// same rule as the tools.
func ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid url %q", raw)
	}
	return nil
}

func validateURL(field, raw string) error {
	if ValidateURL(raw) != nil {
		return invalidArgument(field, "invalid url")
	}
	return nil
}

func jsonKind(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}
