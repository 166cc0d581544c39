package mcppool

import (
	"encoding/json"

	"github.com/google/uuid"
)

// requestTag is a pool-unique identifier substituted for a client's
// original JSON-RPC id before a request is forwarded to the child.
//
// Keying pending requests by the client-supplied id alone lets two
// clients with overlapping id spaces collide and misroute a response.
// Tagging every outbound request with a value unique across the whole
// proxy, not just within one client, makes collision impossible by
// construction and needs no secondary per-id client list. The cost is
// that a request line is no longer byte-identical to what the child
// receives (its "id" field changes); strict byte-for-byte transparency
// is traded for semantic equivalence for the span a request is in
// flight, restored exactly once the response comes back.
type requestTag string

func newRequestTag() requestTag {
	return requestTag(uuid.NewString())
}

// rewriteRequestID replaces line's "id" field with tag, returning the
// rewritten line. Used on the upstream (client -> child) path.
func rewriteRequestID(line []byte, tag requestTag) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(string(tag))
	if err != nil {
		return nil, err
	}
	raw["id"] = json.RawMessage(encoded)
	return json.Marshal(raw)
}

// restoreResponseID replaces line's "id" field with the client's original
// id. Used on the downstream (child -> client) path right before a
// response is handed back to the client that sent the request.
func restoreResponseID(line []byte, originalID json.RawMessage) ([]byte, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, err
	}
	raw["id"] = originalID
	return json.Marshal(raw)
}

// tagFromEnvelope extracts the tag a response's id field carries, if any.
// The child is expected to echo our tag back verbatim (JSON-RPC requires
// the response id match the request id); a non-string id here means the
// response is either a notification-turned-response anomaly or the child
// is misbehaving, and it falls through to broadcast like any unknown id.
func tagFromEnvelope(env *envelope) (requestTag, bool) {
	if env.ID == nil {
		return "", false
	}
	var s string
	if err := json.Unmarshal(*env.ID, &s); err != nil {
		return "", false
	}
	return requestTag(s), true
}
