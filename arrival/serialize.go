package arrival

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// UnmarshalBatch decodes the data of a "batch" envelope written by a sink.
func UnmarshalBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("arrival: decode batch: %w", err)
	}
	return &b, nil
}

// UnmarshalStatus decodes the data of a "status" envelope.
func UnmarshalStatus(data []byte) (*Status, error) {
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("arrival: decode status: %w", err)
	}
	return &s, nil
}

// HashHTML returns the hex SHA-256 of html.
func HashHTML(html string) string {
	h := sha256.Sum256([]byte(html))
	return fmt.Sprintf("%x", h)
}
