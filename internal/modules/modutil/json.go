// Package modutil holds small helpers shared by every concrete signaling module in
// internal/modules/*, factored out so each module package doesn't reimplement the same
// marshal/unmarshal plumbing around the Event.RawPayload JSON boundary (spec.md §4.4: "The
// payload is deserialized from JSON before dispatch").
package modutil

import "encoding/json"

// Marshal wraps json.Marshal so callers don't need a local alias per module package.
func Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal wraps json.Unmarshal so callers don't need a local alias per module package.
func Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
