package directory

import (
	"encoding/json"
	"fmt"

	absser "github.com/microsoft/kiota-abstractions-go/serialization"
	jsonser "github.com/microsoft/kiota-serialization-json-go"
)

// modelJSON serializes a Graph SDK model back to its raw JSON map. Used for
// debug logging of created directory objects, where the typed accessors hide
// fields the operator may need for triage.
func modelJSON(model absser.Parsable) (map[string]any, error) {
	writer := jsonser.NewJsonSerializationWriter()
	if err := writer.WriteObjectValue("", model); err != nil {
		return nil, fmt.Errorf("failed to serialize Graph model: %w", err)
	}

	raw, err := writer.GetSerializedContent()
	if err != nil {
		return nil, fmt.Errorf("failed to get serialized content: %w", err)
	}

	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Graph model JSON: %w", err)
	}
	return out, nil
}
