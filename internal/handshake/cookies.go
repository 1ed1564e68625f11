package handshake

import (
	"net/http"
	"strings"
	"sync"
)

// SessionCookie names the cookie that doubles as the event channel session id.
const SessionCookie = "session"

// Jar accumulates cookies across responses. Later Set-Cookie headers
// replace earlier values of the same name; expired cookies are dropped.
type Jar struct {
	mu     sync.Mutex
	values map[string]string
	order  []string
}

func NewJar() *Jar {
	return &Jar{values: make(map[string]string)}
}

// ParseJar rebuilds a jar from a Cookie header value, as persisted by a session.
func ParseJar(header string) *Jar {
	j := NewJar()
	j.Load(header)
	return j
}

// Load replaces the jar's contents with a Cookie header value.
func (j *Jar) Load(header string) {
	values := make(map[string]string)
	var order []string
	for _, c := range (&http.Request{Header: http.Header{"Cookie": {header}}}).Cookies() {
		if _, ok := values[c.Name]; !ok {
			order = append(order, c.Name)
		}
		values[c.Name] = c.Value
	}
	j.mu.Lock()
	j.values, j.order = values, order
	j.mu.Unlock()
}

// Absorb merges every Set-Cookie header of resp.
func (j *Jar) Absorb(resp *http.Response) {
	if resp == nil {
		return
	}
	for _, c := range resp.Cookies() {
		if c.MaxAge < 0 || c.Value == "" {
			j.remove(c.Name)
			continue
		}
		j.set(c.Name, c.Value)
	}
}

func (j *Jar) set(name, value string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.values[name]; !ok {
		j.order = append(j.order, name)
	}
	j.values[name] = value
}

func (j *Jar) remove(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.values[name]; !ok {
		return
	}
	delete(j.values, name)
	for i, n := range j.order {
		if n == name {
			j.order = append(j.order[:i], j.order[i+1:]...)
			break
		}
	}
}

// Header renders the jar as a Cookie request header value.
func (j *Jar) Header() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	parts := make([]string, 0, len(j.order))
	for _, name := range j.order {
		parts = append(parts, name+"="+j.values[name])
	}
	return strings.Join(parts, "; ")
}

func (j *Jar) Get(name string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.values[name]
}

func (j *Jar) SessionID() string {
	return j.Get(SessionCookie)
}

func (j *Jar) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.values = make(map[string]string)
	j.order = nil
}
