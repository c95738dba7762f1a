package audit

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"time"
)

var csvHeader = []string{"id", "occurred_at", "actor_type", "actor_id", "action", "resource", "resource_id", "details"}

// WriteCSV streams entries as CSV with a header row.
func WriteCSV(w io.Writer, entries []Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		record := []string{
			e.ID,
			e.At.UTC().Format(time.RFC3339),
			e.ActorType,
			e.ActorID,
			e.Action,
			e.Resource,
			e.ResourceID,
			string(details),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
