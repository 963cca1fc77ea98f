// Package eventlog implements the append-only, hash-chained workflow event
// log: sequenced appends with write-through workflow state, deterministic
// replay through a pure reducer, periodic snapshots, and tamper-evident
// chain verification.
package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/atriumhq/conductor/core"
)

// ZeroHash seeds the chain: the first event of every workflow links to it.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// canonicalJSON serializes an event for hashing: every field except the
// hash itself, keys in lexicographic order. encoding/json sorts map keys,
// which is what makes this stable across processes.
func canonicalJSON(e *core.Event) ([]byte, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal(map[string]interface{}{
		"event_id":    e.ID,
		"workflow_id": e.WorkflowID,
		"seq":         e.Seq,
		"action":      e.Action,
		"payload":     payload,
		"actor":       e.Actor,
		"timestamp":   e.Timestamp,
		"prev_hash":   e.PrevHash,
	})
}

// ComputeHash returns hex(SHA-256(prev_hash || canonical serialization)).
func ComputeHash(e *core.Event) (string, error) {
	data, err := canonicalJSON(e)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyChain checks seq contiguity from 1, prev_hash linkage, and that
// every stored hash matches its recomputation. Any violation fails with
// ErrReplayIntegrity naming the offending seq.
func VerifyChain(events []core.Event) error {
	prevHash := ZeroHash
	for i := range events {
		e := &events[i]
		if e.Seq != int64(i+1) {
			return &core.Error{
				Op: "eventlog.VerifyChain", Kind: "event", ID: e.ID,
				Message: fmt.Sprintf("gap in sequence: expected seq %d, found %d", i+1, e.Seq),
				Err:     core.ErrReplayIntegrity,
			}
		}
		if e.PrevHash != prevHash {
			return &core.Error{
				Op: "eventlog.VerifyChain", Kind: "event", ID: e.ID,
				Message: fmt.Sprintf("broken link at seq %d: prev_hash does not match prior event", e.Seq),
				Err:     core.ErrReplayIntegrity,
			}
		}
		computed, err := ComputeHash(e)
		if err != nil {
			return err
		}
		if computed != e.Hash {
			return &core.Error{
				Op: "eventlog.VerifyChain", Kind: "event", ID: e.ID,
				Message: fmt.Sprintf("hash mismatch at seq %d: event content was altered", e.Seq),
				Err:     core.ErrReplayIntegrity,
			}
		}
		prevHash = e.Hash
	}
	return nil
}
