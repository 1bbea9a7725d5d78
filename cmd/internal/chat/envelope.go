package chat

import (
	"encoding/json"
	"time"

	v1 "supchat/contracts/chat/v1"
)

// newEnvelope wraps a marshaled payload in the canonical wire envelope.
func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      MustULID(ts),
		TS:      ts,
		Payload: payload,
	}
}
