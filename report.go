package uthread

import (
	"encoding/json"

	"github.com/google/renameio/v2"
)

// writeReport atomically replaces path with the JSON encoding of snapshot.
func writeReport(path string, snapshot Snapshot) error {
	b, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, append(b, '\n'), 0o644)
}
