package broadcast

import (
	"encoding/json"
	"fmt"

	"github.com/pscheid92/serialbridge/internal/domain"
)

// encodeEnvelope flattens an event's JSON fields next to the build tag and type discriminator.
func encodeEnvelope(versionHash string, event domain.Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event.EventType(), err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("payload of %s is not a JSON object: %w", event.EventType(), err)
	}

	tag, _ := json.Marshal(versionHash)
	kind, _ := json.Marshal(event.EventType())
	fields["version_hash"] = tag
	fields["type"] = kind

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}
