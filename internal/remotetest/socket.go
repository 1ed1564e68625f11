package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/a-essam23/tablelink/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	userID := s.userFor(r)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(32 << 20)
	sock := &socket{conn: conn, userID: userID}
	ctx := r.Context()
	defer s.drop(sock)

	sid := uuid.NewString()
	if err := sock.write(ctx, []byte(`0{"sid":"`+sid+`","pingInterval":25000,"pingTimeout":20000}`)); err != nil {
		return
	}
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if len(msg) < 2 || msg[0] != '4' {
			continue
		}
		p, err := transport.DecodePacket(msg[1:])
		if err != nil {
			return
		}
		switch p.Type {
		case transport.PacketConnect:
			if err := s.accept(ctx, sock, sid); err != nil {
				return
			}
		case transport.PacketDisconnect:
			return
		case transport.PacketEvent:
			ev, err := transport.ParseEvent(p)
			if err != nil {
				return
			}
			s.handleEvent(ctx, sock, ev)
		}
	}
}

func (s *Server) accept(ctx context.Context, sock *socket, sid string) error {
	if err := sock.write(ctx, []byte(`40{"sid":"`+sid+`"}`)); err != nil {
		return err
	}
	var user any
	if sock.userID != "" {
		user = sock.userID
	}
	frame, _ := transport.EncodeEvent(-1, "session", map[string]any{"sessionId": sid, "userId": user})
	if err := sock.write(ctx, frame); err != nil {
		return err
	}
	s.mu.Lock()
	s.sockets[sock] = struct{}{}
	s.mu.Unlock()
	if sock.userID != "" {
		s.broadcast(sock, "userConnected", sock.userID, true)
	}
	return nil
}

func (s *Server) drop(sock *socket) {
	sock.conn.CloseNow()
	s.mu.Lock()
	_, known := s.sockets[sock]
	delete(s.sockets, sock)
	still := s.connectedLocked(sock.userID)
	s.mu.Unlock()
	if known && sock.userID != "" && !still {
		s.broadcast(nil, "userConnected", sock.userID, false)
	}
}

func (s *Server) broadcast(except *socket, event string, args ...any) {
	frame, err := transport.EncodeEvent(-1, event, args...)
	if err != nil {
		return
	}
	s.mu.Lock()
	targets := make([]*socket, 0, len(s.sockets))
	for sock := range s.sockets {
		if sock != except {
			targets = append(targets, sock)
		}
	}
	s.mu.Unlock()
	for _, sock := range targets {
		_ = sock.write(context.Background(), frame)
	}
}

func (s *Server) handleEvent(ctx context.Context, sock *socket, ev transport.Event) {
	var reply any
	switch ev.Name {
	case "getJoinData":
		s.mu.Lock()
		setup := s.setup
		var active []string
		for other := range s.sockets {
			if other.userID != "" {
				active = append(active, other.userID)
			}
		}
		s.mu.Unlock()
		if setup {
			reply = map[string]any{}
			break
		}
		reply = map[string]any{
			"world":       map[string]any{"id": WorldID, "title": "Test World", "system": SystemID, "systemVersion": "3.0.0"},
			"users":       s.usersJSON(),
			"activeUsers": active,
		}
	case "getWorldStatus":
		s.mu.Lock()
		reply = !s.setup
		s.mu.Unlock()
	case "world":
		reply = s.gameData(sock.userID)
	case "modifyDocument":
		s.mu.Lock()
		silent := s.silent
		s.mu.Unlock()
		if silent {
			return
		}
		reply = s.modify(sock, ev.Arg(0))
	default:
		reply = map[string]any{"error": map[string]string{"message": fmt.Sprintf("unknown event %s", ev.Name)}}
	}
	if !ev.Ack {
		return
	}
	frame, err := transport.EncodeAck(ev.AckID, reply)
	if err != nil {
		return
	}
	_ = sock.write(ctx, frame)
}

func collection(docType, parent, pack string) string {
	return strings.Join([]string{docType, parent, pack}, "|")
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// modify applies one modifyDocument request to the store.
func (s *Server) modify(sock *socket, raw json.RawMessage) map[string]any {
	req := gjson.ParseBytes(raw)
	docType := req.Get("type").String()
	action := req.Get("action").String()
	op := req.Get("operation")
	key := collection(docType, op.Get("parentUuid").String(), op.Get("pack").String())
	request := map[string]any{"type": docType, "action": action}

	if sock.userID == "" {
		return map[string]any{"request": request, "error": map[string]string{"message": "not authenticated"}}
	}

	var users []map[string]any
	if docType == "User" {
		users = s.usersJSON()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if action != "get" {
		s.authors = append(s.authors, sock.userID)
	}

	var result []any
	switch action {
	case "get":
		docs := s.docs[key]
		if docType == "User" {
			docs = users
		}
		query := op.Get("query").Map()
		for _, doc := range docs {
			if !matches(doc, query) {
				continue
			}
			if op.Get("index").Bool() {
				result = append(result, map[string]any{"_id": doc["_id"], "name": doc["name"]})
			} else {
				result = append(result, doc)
			}
		}
	case "create":
		op.Get("data").ForEach(func(_, item gjson.Result) bool {
			var doc map[string]any
			if json.Unmarshal([]byte(item.Raw), &doc) != nil {
				return true
			}
			if _, ok := doc["_id"]; !ok {
				doc["_id"] = newID()
			}
			if docType == "ChatMessage" {
				s.clock++
				doc["timestamp"] = s.clock
				if _, ok := doc["author"]; !ok {
					doc["author"] = sock.userID
				}
			}
			s.docs[key] = append(s.docs[key], doc)
			result = append(result, doc)
			return true
		})
	case "update":
		op.Get("updates").ForEach(func(_, item gjson.Result) bool {
			id := item.Get("_id").String()
			for _, doc := range s.docs[key] {
				if doc["_id"] != id {
					continue
				}
				item.ForEach(func(k, v gjson.Result) bool {
					doc[k.String()] = v.Value()
					return true
				})
				result = append(result, doc)
			}
			return true
		})
	case "delete":
		op.Get("ids").ForEach(func(_, id gjson.Result) bool {
			kept := s.docs[key][:0]
			for _, doc := range s.docs[key] {
				if doc["_id"] == id.String() {
					result = append(result, id.String())
					continue
				}
				kept = append(kept, doc)
			}
			s.docs[key] = kept
			return true
		})
	default:
		return map[string]any{"request": request, "error": map[string]string{"message": "unknown action " + action}}
	}
	if result == nil {
		result = []any{}
	}
	return map[string]any{"request": request, "result": result}
}

func matches(doc map[string]any, query map[string]gjson.Result) bool {
	for k, want := range query {
		if fmt.Sprint(doc[k]) != fmt.Sprint(want.Value()) {
			return false
		}
	}
	return true
}
