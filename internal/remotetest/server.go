// Package remotetest runs an in-process imitation of the remote tabletop
// server: the join, game, setup and status pages plus a Socket.IO event
// channel with a small document store.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	WorldID       = "test-world"
	SystemID      = "dnd5e"
	AdminPassword = "admin"
	sessionCookie = "session"
)

// User is a world user known to the fake server.
type User struct {
	ID       string
	Name     string
	Password string
	Role     int
}

// DefaultUsers is the roster a new Server starts with.
func DefaultUsers() []User {
	return []User{
		{ID: "u-gm", Name: "Gamemaster", Password: "gmpass", Role: 4},
		{ID: "u-alice", Name: "alice", Password: "alicepass", Role: 1},
		{ID: "u-bob", Name: "bob", Password: "bobpass", Role: 1},
	}
}

type socket struct {
	conn   *websocket.Conn
	userID string
	mu     sync.Mutex
}

func (s *socket) write(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, frame)
}

// Server is the fake remote server.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	users    []User
	setup    bool
	silent   bool
	sessions map[string]string
	sockets  map[*socket]struct{}
	docs     map[string][]map[string]any
	logins   int
	authors  []string
	clock    float64
}

// New starts a server with DefaultUsers and an active world. It is closed
// when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		users:    DefaultUsers(),
		sessions: make(map[string]string),
		sockets:  make(map[*socket]struct{}),
		docs:     make(map[string][]map[string]any),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /join", s.handleJoinPage)
	mux.HandleFunc("POST /join", s.handleJoinPost)
	mux.HandleFunc("GET /game", s.handleGame)
	mux.HandleFunc("GET /setup", s.handleSetupPage)
	mux.HandleFunc("POST /setup", s.handleSetupPost)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /logout", s.handleLogout)
	mux.HandleFunc("/socket.io/", s.handleSocket)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(func() {
		s.Kick()
		s.Server.Close()
	})
	return s
}

// --- controls ---

// SetSetup switches between setup mode and a running world.
func (s *Server) SetSetup(setup bool) {
	s.mu.Lock()
	s.setup = setup
	s.mu.Unlock()
}

// SetSilent stops acknowledging modifyDocument so dispatches time out.
func (s *Server) SetSilent(silent bool) {
	s.mu.Lock()
	s.silent = silent
	s.mu.Unlock()
}

// Logins counts successful password logins.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Authors lists the user id behind every write, in order.
func (s *Server) Authors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.authors)
}

// Connected reports whether userID has an open socket.
func (s *Server) Connected(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedLocked(userID)
}

func (s *Server) connectedLocked(userID string) bool {
	for sock := range s.sockets {
		if sock.userID == userID {
			return true
		}
	}
	return false
}

// Seed stores a document in the collection of docType, optionally scoped
// to a parent uuid or pack.
func (s *Server) Seed(docType, parent, pack string, doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := collection(docType, parent, pack)
	s.docs[key] = append(s.docs[key], doc)
}

// Push sends an event to every socket.
func (s *Server) Push(event string, args ...any) {
	s.broadcast(nil, event, args...)
}

// DeleteUser removes a user and announces it.
func (s *Server) DeleteUser(userID string) {
	s.mu.Lock()
	s.users = slices.DeleteFunc(s.users, func(u User) bool { return u.ID == userID })
	s.mu.Unlock()
	s.Push("deleteUser", userID)
}

// Kick closes every socket from the server side.
func (s *Server) Kick() {
	s.mu.Lock()
	socks := make([]*socket, 0, len(s.sockets))
	for sock := range s.sockets {
		socks = append(socks, sock)
	}
	s.mu.Unlock()
	for _, sock := range socks {
		sock.conn.Close(websocket.StatusGoingAway, "kicked")
	}
}

// --- http ---

var joinTemplate = template.Must(template.New("join").Parse(`<!DOCTYPE html>
<html><head><meta name="csrf-token" content="{{.CSRF}}"></head>
<body id="join"><form id="join-game">
<select name="userid"><option value="">Select user</option>
{{range .Users}}<option value="{{.ID}}"{{if .Active}} disabled{{end}}>{{.Name}}</option>
{{end}}</select>
<input type="password" name="password"></form></body></html>`))

func (s *Server) session(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	sid := uuid.NewString()
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: sid, Path: "/"})
	return sid
}

func (s *Server) handleJoinPage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	setup := s.setup
	s.mu.Unlock()
	if setup {
		http.Redirect(w, r, "/setup", http.StatusFound)
		return
	}
	sid := s.session(w, r)

	type option struct {
		ID, Name string
		Active   bool
	}
	s.mu.Lock()
	opts := make([]option, 0, len(s.users))
	for _, u := range s.users {
		opts = append(opts, option{ID: u.ID, Name: u.Name, Active: s.connectedLocked(u.ID)})
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "text/html")
	_ = joinTemplate.Execute(w, map[string]any{"CSRF": "csrf-" + sid[:min(8, len(sid))], "Users": opts})
}

func (s *Server) handleJoinPost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action        string `json:"action"`
		UserID        string `json:"userid"`
		Password      string `json:"password"`
		AdminPassword string `json:"adminPassword"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	sid := s.session(w, r)

	switch body.Action {
	case "shutdown":
		if body.AdminPassword != AdminPassword {
			writeJSON(w, http.StatusForbidden, map[string]string{"status": "failed", "error": "bad admin password"})
			return
		}
		s.Push("shutdown")
		s.SetSetup(true)
		s.Kick()
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	case "join":
		s.mu.Lock()
		var ok bool
		for _, u := range s.users {
			if u.ID == body.UserID && u.Password == body.Password {
				ok = true
			}
		}
		if ok {
			s.sessions[sid] = body.UserID
			s.logins++
		}
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "failed", "error": "invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success", "redirect": "/game"})
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func (s *Server) handleGame(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	setup := s.setup
	s.mu.Unlock()
	if setup {
		http.Redirect(w, r, "/setup", http.StatusFound)
		return
	}
	userID := s.userFor(r)
	if userID == "" {
		http.Redirect(w, r, "/join", http.StatusFound)
		return
	}
	raw, _ := json.Marshal(s.gameData(userID))
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(string(raw))
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, "<!DOCTYPE html><html><body><script>window.gameData = JSON.parse('%s');</script></body></html>", escaped)
}

func (s *Server) handleSetupPage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	setup := s.setup
	s.mu.Unlock()
	if !setup {
		http.Redirect(w, r, "/join", http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `<!DOCTYPE html><html><body id="setup" class="setup"></body></html>`)
}

func (s *Server) handleSetupPost(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	body := gjson.ParseBytes(raw)
	if body.Get("action").String() != "launchWorld" || body.Get("adminPassword").String() != AdminPassword {
		writeJSON(w, http.StatusForbidden, map[string]string{"status": "failed"})
		return
	}
	s.SetSetup(false)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "world": body.Get("world").String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setup {
		writeJSON(w, http.StatusOK, map[string]any{"active": false, "version": "12.331"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":        true,
		"version":       "12.331",
		"world":         WorldID,
		"system":        SystemID,
		"systemVersion": "3.0.0",
		"users":         len(s.sockets),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.mu.Lock()
		delete(s.sessions, c.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	http.Redirect(w, r, "/join", http.StatusFound)
}

func (s *Server) userFor(r *http.Request) string {
	sid := r.URL.Query().Get("session")
	if c, err := r.Cookie(sessionCookie); err == nil && sid == "" {
		sid = c.Value
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sid]
}

// usersJSON renders user documents. Like the real server it carries no
// presence; that is only announced by events.
func (s *Server) usersJSON() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, map[string]any{
			"_id":    u.ID,
			"name":   u.Name,
			"role":  u.Role,
			"color": "#336699",
		})
	}
	return out
}

func (s *Server) gameData(userID string) map[string]any {
	return map[string]any{
		"userId": userID,
		"world": map[string]any{
			"id":            WorldID,
			"title":         "Test World",
			"system":        SystemID,
			"systemVersion": "3.0.0",
		},
		"system": map[string]any{"id": SystemID, "version": "3.0.0", "title": "Dungeons & Dragons Fifth Edition"},
		"users":  s.usersJSON(),
		"packs": []map[string]any{
			{"id": "dnd5e.monsters", "type": "Actor", "label": "Monsters"},
			{"id": "dnd5e.items", "type": "Item", "label": "Items"},
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
