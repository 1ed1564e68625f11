package client

import (
	"context"
	"fmt"
	"sort"

	"github.com/a-essam23/tablelink/pkg/dispatch"
)

// MessageOptions shape an outgoing chat message.
type MessageOptions struct {
	Flavor  string
	Speaker map[string]any
	// Whisper restricts the message to these user ids.
	Whisper []string
}

// documentAPI shapes convenience calls into dispatch requests. It never
// retries; callers decide.
type documentAPI struct {
	dispatch func(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
}

func actorParent(actorID string) *dispatch.ParentRef {
	return &dispatch.ParentRef{Type: "Actor", ID: actorID}
}

func (d documentAPI) getActors(ctx context.Context) ([]dispatch.Document, error) {
	resp, err := d.dispatch(ctx, dispatch.Get("Actor", nil))
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (d documentAPI) getActor(ctx context.Context, id string) (dispatch.Document, error) {
	return d.getOne(ctx, dispatch.Get("Actor", map[string]any{"_id": id}), "Actor."+id)
}

func (d documentAPI) getOne(ctx context.Context, req dispatch.Request, label string) (dispatch.Document, error) {
	resp, err := d.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, label)
	}
	return resp.Result[0], nil
}

func (d documentAPI) create(ctx context.Context, docType string, parent *dispatch.ParentRef, data any) ([]dispatch.Document, error) {
	req, err := dispatch.Create(docType, data)
	if err != nil {
		return nil, err
	}
	req.Parent = parent
	resp, err := d.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (d documentAPI) update(ctx context.Context, docType string, parent *dispatch.ParentRef, id string, changes map[string]any) (dispatch.Document, error) {
	upd := make(map[string]any, len(changes)+1)
	for k, v := range changes {
		upd[k] = v
	}
	upd["_id"] = id
	req := dispatch.Request{DocumentType: docType, Operation: dispatch.UpdateBatch{Updates: []map[string]any{upd}}, Parent: parent}
	return d.getOne(ctx, req, docType+"."+id)
}

func (d documentAPI) delete(ctx context.Context, docType string, parent *dispatch.ParentRef, id string) error {
	req := dispatch.Delete(docType, id)
	req.Parent = parent
	resp, err := d.dispatch(ctx, req)
	if err != nil {
		return err
	}
	if len(resp.Result) == 0 {
		return fmt.Errorf("%w: %s.%s", ErrNotFound, docType, id)
	}
	return nil
}

func (d documentAPI) fetchByUUID(ctx context.Context, uuid string) (dispatch.Document, error) {
	ref, err := dispatch.ParseUUID(uuid)
	if err != nil {
		return nil, err
	}
	return d.getOne(ctx, ref.Request(), uuid)
}

// chatLog returns the newest limit messages, oldest first. limit <= 0 means all.
func (d documentAPI) chatLog(ctx context.Context, limit int) ([]dispatch.Document, error) {
	resp, err := d.dispatch(ctx, dispatch.Get("ChatMessage", nil))
	if err != nil {
		return nil, err
	}
	msgs := resp.Result
	sort.SliceStable(msgs, func(i, j int) bool { return timestamp(msgs[i]) < timestamp(msgs[j]) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func timestamp(doc dispatch.Document) float64 {
	ts, _ := doc["timestamp"].(float64)
	return ts
}

func (d documentAPI) sendMessage(ctx context.Context, author, content string, opts MessageOptions) (dispatch.Document, error) {
	return d.postMessage(ctx, messageData(author, content, opts))
}

func (d documentAPI) roll(ctx context.Context, author, formula string, opts MessageOptions) (dispatch.Document, error) {
	result, err := EvaluateRoll(formula, nil)
	if err != nil {
		return nil, err
	}
	rollJSON, err := result.JSON()
	if err != nil {
		return nil, err
	}
	data := messageData(author, fmt.Sprintf("%d", result.Total), opts)
	data["rolls"] = []string{rollJSON}
	data["sound"] = "sounds/dice.wav"
	return d.postMessage(ctx, data)
}

func (d documentAPI) postMessage(ctx context.Context, data map[string]any) (dispatch.Document, error) {
	docs, err := d.create(ctx, "ChatMessage", nil, data)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: created message", ErrNotFound)
	}
	return docs[0], nil
}

func messageData(author, content string, opts MessageOptions) map[string]any {
	data := map[string]any{
		"content": content,
		"author":  author,
	}
	if opts.Flavor != "" {
		data["flavor"] = opts.Flavor
	}
	if opts.Speaker != nil {
		data["speaker"] = opts.Speaker
	}
	if len(opts.Whisper) > 0 {
		data["whisper"] = opts.Whisper
	}
	return data
}
