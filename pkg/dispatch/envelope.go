// Package dispatch models the generic document RPC envelope carried by the
// modifyDocument event.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// EventName is the event carrying every document operation.
const EventName = "modifyDocument"

var ErrInvalidRequest = errors.New("invalid dispatch request")

type Action string

const (
	ActionGet    Action = "get"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Operation is the action-specific payload of a Request. It is implemented
// by GetQuery, CreateBatch, UpdateBatch and DeleteIDs only.
type Operation interface {
	Action() Action
	validate() error
	fields(op map[string]any)
}

// GetQuery reads documents matching Query. An empty query matches everything.
// Index requests the lightweight pack index instead of full documents.
type GetQuery struct {
	Query map[string]any
	Index bool
}

func (GetQuery) Action() Action { return ActionGet }

func (q GetQuery) validate() error { return nil }

func (q GetQuery) fields(op map[string]any) {
	query := q.Query
	if query == nil {
		query = map[string]any{}
	}
	op["query"] = query
	if q.Index {
		op["index"] = true
	}
}

// CreateBatch creates one document per entry of Data.
type CreateBatch struct {
	Data []map[string]any
}

func (CreateBatch) Action() Action { return ActionCreate }

func (c CreateBatch) validate() error {
	if len(c.Data) == 0 {
		return fmt.Errorf("%w: create needs at least one document", ErrInvalidRequest)
	}
	return nil
}

func (c CreateBatch) fields(op map[string]any) {
	op["data"] = c.Data
}

// UpdateBatch applies partial updates; each entry must carry the target _id.
type UpdateBatch struct {
	Updates []map[string]any
}

func (UpdateBatch) Action() Action { return ActionUpdate }

func (u UpdateBatch) validate() error {
	if len(u.Updates) == 0 {
		return fmt.Errorf("%w: update needs at least one change", ErrInvalidRequest)
	}
	for i, upd := range u.Updates {
		id, _ := upd["_id"].(string)
		if id == "" {
			return fmt.Errorf("%w: update %d has no _id", ErrInvalidRequest, i)
		}
	}
	return nil
}

func (u UpdateBatch) fields(op map[string]any) {
	op["updates"] = u.Updates
}

// DeleteIDs removes the listed documents.
type DeleteIDs struct {
	IDs []string
}

func (DeleteIDs) Action() Action { return ActionDelete }

func (d DeleteIDs) validate() error {
	if len(d.IDs) == 0 {
		return fmt.Errorf("%w: delete needs at least one id", ErrInvalidRequest)
	}
	for i, id := range d.IDs {
		if id == "" {
			return fmt.Errorf("%w: delete id %d is empty", ErrInvalidRequest, i)
		}
	}
	return nil
}

func (d DeleteIDs) fields(op map[string]any) {
	op["ids"] = d.IDs
}

// ParentRef addresses the document owning an embedded collection.
type ParentRef struct {
	Type string
	ID   string
}

func (p ParentRef) String() string {
	return p.Type + "." + p.ID
}

// Request is a validated document operation.
type Request struct {
	DocumentType string
	Operation    Operation
	Parent       *ParentRef
	// Pack scopes the operation to a compendium pack.
	Pack string
}

func (r Request) Action() Action {
	if r.Operation == nil {
		return ""
	}
	return r.Operation.Action()
}

func (r Request) Validate() error {
	if r.DocumentType == "" {
		return fmt.Errorf("%w: missing document type", ErrInvalidRequest)
	}
	if r.Operation == nil {
		return fmt.Errorf("%w: missing operation", ErrInvalidRequest)
	}
	if r.Parent != nil && (r.Parent.Type == "" || r.Parent.ID == "") {
		return fmt.Errorf("%w: incomplete parent reference", ErrInvalidRequest)
	}
	return r.Operation.validate()
}

// MarshalJSON renders the wire envelope {type, action, operation}.
func (r Request) MarshalJSON() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	op := map[string]any{}
	r.Operation.fields(op)
	if r.Parent != nil {
		op["parentUuid"] = r.Parent.String()
	}
	if r.Pack != "" {
		op["pack"] = r.Pack
	}
	return json.Marshal(map[string]any{
		"type":      r.DocumentType,
		"action":    r.Action(),
		"operation": op,
	})
}

// Get builds a query request.
func Get(docType string, query map[string]any) Request {
	return Request{DocumentType: docType, Operation: GetQuery{Query: query}}
}

// Create builds a create request from a single object or a list of objects.
func Create(docType string, data any) (Request, error) {
	batch, err := Batch(data)
	if err != nil {
		return Request{}, err
	}
	return Request{DocumentType: docType, Operation: CreateBatch{Data: batch}}, nil
}

// Update builds an update request from a single change or a list of changes.
func Update(docType string, updates any) (Request, error) {
	batch, err := Batch(updates)
	if err != nil {
		return Request{}, err
	}
	return Request{DocumentType: docType, Operation: UpdateBatch{Updates: batch}}, nil
}

func Delete(docType string, ids ...string) Request {
	return Request{DocumentType: docType, Operation: DeleteIDs{IDs: ids}}
}

// Batch normalises a single object or an array of objects into a list.
func Batch(data any) ([]map[string]any, error) {
	switch v := data.(type) {
	case nil:
		return nil, fmt.Errorf("%w: no data", ErrInvalidRequest)
	case map[string]any:
		return []map[string]any{v}, nil
	case []map[string]any:
		return v, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	parsed := gjson.ParseBytes(raw)
	if parsed.IsObject() {
		raw = append(append([]byte{'['}, raw...), ']')
	} else if !parsed.IsArray() {
		return nil, fmt.Errorf("%w: data must be an object or a list of objects", ErrInvalidRequest)
	}
	var out []map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return out, nil
}
