package repository

import (
	"encoding/json"
	"fmt"
)

func decodeJSON[T any](raw []byte, out *T) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding search result: %w", err)
	}
	return nil
}
