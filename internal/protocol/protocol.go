// Package protocol defines the MessagePack wire format: one tagged map
// per message, a type discriminator, and an optional client-supplied id
// echoed on the corresponding result.
package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Version is the protocol version announced in hello.
const Version = 2

// Error codes surfaced to the client.
const (
	CodeBadPayload       = "bad_payload"
	CodeUnknownType      = "unknown_type"
	CodePathEscape       = "path_escape"
	CodeNotFound         = "not_found"
	CodeConflict         = "conflict"
	CodeDirtyWorktree    = "dirty_worktree"
	CodeNotAGitRepo      = "not_a_git_repo"
	CodeGitError         = "git_error"
	CodePermissionDenied = "permission_denied"
	CodeTooLarge         = "too_large"
	CodeTimeout          = "timeout"
	CodeBusy             = "busy"
)

// Decode parses one inbound frame into the Request union. Unknown
// fields are ignored; a missing type is a bad payload.
func Decode(data []byte) (*Request, error) {
	var req Request
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("frame decode failed: %w", err)
	}
	if req.Type == "" {
		return nil, fmt.Errorf("frame has no type field")
	}
	req.Type = canonicalType(req.Type)
	return &req, nil
}

// canonicalType maps the short aliases kept for interoperability onto
// the full names.
func canonicalType(t string) string {
	switch t {
	case "input":
		return "term_input"
	case "resize":
		return "term_resize"
	default:
		return t
	}
}

// Encode marshals one outbound message.
func Encode(msg any) ([]byte, error) {
	data, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("frame encode failed: %w", err)
	}
	return data, nil
}
