// Package wire defines the `{namespace, payload}` envelope spec.md §6 uses for both the
// WebSocket wire format and exchange frames: "Exchange frame carries {namespace, payload};
// same dispatch rule [as the WS text frame]. If namespace == "control", handled by the
// runner...". Keeping one small shared type here lets both internal/room (which publishes
// control-namespace moderation events) and internal/runner (which publishes module
// ExchangePublications and reads them back) agree on the wire shape without either importing
// the other.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/otcontroller/signaling/internal/ids"
)

// ControlNamespace is the reserved namespace the runner itself handles, never dispatched to a
// registered Module (spec.md §6).
const ControlNamespace ids.ModuleId = "control"

// Envelope is the exchange-frame counterpart of the WS envelope: every publish onto the
// per-room exchange routing keys is tagged with the namespace it's addressed to, so a
// receiving runner can route it with the same rule it uses for WS frames.
type Envelope struct {
	Namespace ids.ModuleId    `json:"namespace"`
	Payload   json.RawMessage `json:"payload"`
}

// Wrap marshals payload and tags it with namespace.
func Wrap(namespace ids.ModuleId, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: marshal payload: %w", err)
	}
	return Envelope{Namespace: namespace, Payload: raw}, nil
}
