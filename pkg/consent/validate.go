package consent

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// UpdateRequest is the body of POST /api/graph/consent_labels.
type UpdateRequest struct {
	ConsentLevel Level `json:"consent_level" jsonschema:"the visibility of the caller's label"`
}

var updateSchema = sync.OnceValues(func() (*jsonschema.Resolved, error) {
	s, err := jsonschema.For[UpdateRequest](nil)
	if err != nil {
		return nil, err
	}
	enum := make([]any, len(Levels))
	for i, l := range Levels {
		enum[i] = string(l)
	}
	s.Properties["consent_level"].Enum = enum
	return s.Resolve(nil)
})

// DecodeUpdate validates body against the request schema. Any violation,
// malformed JSON included, is reported as ErrInvalidLevel.
func DecodeUpdate(body []byte) (Level, error) {
	rs, err := updateSchema()
	if err != nil {
		return "", fmt.Errorf("consent: build schema: %w", err)
	}
	var instance any
	if err := json.Unmarshal(body, &instance); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLevel, err)
	}
	if err := rs.Validate(instance); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLevel, err)
	}
	var req UpdateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLevel, err)
	}
	return ParseLevel(string(req.ConsentLevel))
}
