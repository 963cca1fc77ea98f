package eventlog

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/atriumhq/conductor/core"
)

// Export serializes a workflow's full audit trail in the requested format.
// Supported formats are "json" and "csv"; anything else fails with
// ErrValidation so the API can answer 400 instead of guessing.
func (l *Log) Export(ctx context.Context, workflowID, format string) ([]byte, string, error) {
	events, err := l.Load(ctx, workflowID)
	if err != nil {
		return nil, "", err
	}

	switch format {
	case "json", "":
		data, err := json.MarshalIndent(events, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("marshal export: %w", err)
		}
		return data, "application/json", nil

	case "csv":
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		_ = w.Write([]string{"seq", "event_id", "action", "actor", "timestamp", "payload", "prev_hash", "hash"})
		for i := range events {
			e := &events[i]
			_ = w.Write([]string{
				strconv.FormatInt(e.Seq, 10),
				e.ID,
				e.Action,
				e.Actor,
				e.Timestamp.Format(time.RFC3339Nano),
				string(e.Payload),
				e.PrevHash,
				e.Hash,
			})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, "", fmt.Errorf("write csv: %w", err)
		}
		return buf.Bytes(), "text/csv", nil

	default:
		return nil, "", &core.Error{
			Op: "eventlog.Export", Kind: "event", ID: workflowID,
			Message: fmt.Sprintf("unsupported export format %q", format),
			Err:     core.ErrValidation,
		}
	}
}
