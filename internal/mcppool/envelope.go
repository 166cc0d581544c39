package mcppool

import "encoding/json"

// envelope is the JSON-RPC 2.0 routing-relevant subset of a message. We
// parse only "id" and "method" and never touch params/result/error: the
// pool is payload-agnostic beyond routing.
type envelope struct {
	ID     *json.RawMessage `json:"id,omitempty"`
	Method string           `json:"method,omitempty"`
}

func parseEnvelope(line []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// isNotification reports whether an envelope has no id (and so is not
// routed to a specific client; it is only ever broadcast).
func (e *envelope) isNotification() bool {
	return e.ID == nil
}
