package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"threatguard/internal/model"
)

// ComputeHash returns the hex SHA-256 of the entry's canonical JSON with the
// Hash field cleared. encoding/json emits struct fields in declaration order
// and map keys sorted, so the encoding is stable.
func ComputeHash(e model.AuditEntry) (string, error) {
	e.Hash = ""
	e.Timestamp = e.Timestamp.UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode audit entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
