package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/a-essam23/tablelink/pkg/state"
	"github.com/tidwall/gjson"
)

// Document is one remote document as decoded from an acknowledgement.
type Document map[string]any

func (d Document) ID() string {
	if id, ok := d["_id"].(string); ok {
		return id
	}
	id, _ := d["id"].(string)
	return id
}

// Raw re-encodes the document.
func (d Document) Raw() ([]byte, error) {
	return json.Marshal(d)
}

func (d Document) Name() string {
	name, _ := d["name"].(string)
	return name
}

// OwnershipFor returns the level granted to userID, falling back to the
// document default. Older servers call the field "permission".
func (d Document) OwnershipFor(userID string) state.OwnershipLevel {
	levels, ok := d["ownership"].(map[string]any)
	if !ok {
		levels, ok = d["permission"].(map[string]any)
		if !ok {
			return state.OwnershipNone
		}
	}
	if lvl, ok := levels[userID].(float64); ok {
		return state.OwnershipLevel(lvl)
	}
	if lvl, ok := levels["default"].(float64); ok {
		return state.OwnershipLevel(lvl)
	}
	return state.OwnershipNone
}

// Author returns the authoring user of a chat message.
func (d Document) Author() string {
	if a, ok := d["author"].(string); ok {
		return a
	}
	a, _ := d["user"].(string)
	return a
}

// Whisper lists the recipients of a private chat message.
func (d Document) Whisper() []string {
	list, _ := d["whisper"].([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Response is the decoded acknowledgement of a dispatch.
type Response struct {
	Type   string
	Action Action
	Result []Document
}

// DecodeResponse parses an acknowledgement payload. Results may be full
// documents or, for deletes, bare ids.
func DecodeResponse(raw json.RawMessage) (*Response, error) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: unreadable response", ErrInvalidRequest)
	}
	root := gjson.ParseBytes(raw)
	resp := &Response{
		Type:   root.Get("request.type").String(),
		Action: Action(root.Get("request.action").String()),
	}
	var decodeErr error
	root.Get("result").ForEach(func(_, item gjson.Result) bool {
		switch item.Type {
		case gjson.String:
			resp.Result = append(resp.Result, Document{"_id": item.String()})
		case gjson.JSON:
			var doc Document
			if err := json.Unmarshal([]byte(item.Raw), &doc); err != nil {
				decodeErr = err
				return false
			}
			resp.Result = append(resp.Result, doc)
		}
		return true
	})
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode result: %w", decodeErr)
	}
	return resp, nil
}
