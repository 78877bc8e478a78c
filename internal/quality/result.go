package quality

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/iago/media-jobs-back/internal/domain"
)

// ResultValidation is a normalized processing response. Dropped lists keys
// present in the response whose value was null.
type ResultValidation struct {
	Payload domain.ResultPayload
	Dropped []string
}

// NormalizeResponse keeps every field exactly as the processing service
// returned it. Strings are stored verbatim; other JSON values keep their
// compact JSON text. An object with no fields is a valid, empty result.
func NormalizeResponse(body []byte) (ResultValidation, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return ResultValidation{}, fmt.Errorf("decode processing response: %w", err)
	}

	validation := ResultValidation{Payload: make(domain.ResultPayload, len(raw))}
	for key, value := range raw {
		trimmed := bytes.TrimSpace(value)
		if bytes.Equal(trimmed, []byte("null")) {
			validation.Dropped = append(validation.Dropped, key)
			continue
		}
		var text string
		if err := json.Unmarshal(trimmed, &text); err == nil {
			validation.Payload[key] = text
			continue
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, trimmed); err != nil {
			return ResultValidation{}, fmt.Errorf("decode processing field %q: %w", key, err)
		}
		validation.Payload[key] = compact.String()
	}
	sort.Strings(validation.Dropped)
	return validation, nil
}

// Missing lists requested kinds whose field is absent from the payload.
func Missing(payload domain.ResultPayload, requested []domain.OutputKind) []domain.OutputKind {
	missing := make([]domain.OutputKind, 0)
	for _, kind := range requested {
		if _, ok := payload[kind.ExternalField()]; !ok {
			missing = append(missing, kind)
		}
	}
	return missing
}
