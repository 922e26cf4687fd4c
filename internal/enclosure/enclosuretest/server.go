// Package enclosuretest provides an in-process fake of the enclosure
// management API for client and sensor tests.
package enclosuretest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// Server mimics the login and show commands of the enclosure API.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	loginPath   string
	session     string
	sessions    int
	logins      int
	collections map[string]any
	status      map[string]int
	raw         map[string]string
	requests    map[string]int
}

// NewServer starts a fake that accepts username/password and is closed
// when the test ends.
func NewServer(t *testing.T, username, password string) *Server {
	t.Helper()
	sum := sha256.Sum256([]byte(username + "_" + password))
	s := &Server{
		loginPath:   "/api/login/" + hex.EncodeToString(sum[:]),
		collections: make(map[string]any),
		status:      make(map[string]int),
		raw:         make(map[string]string),
		requests:    make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// SetItems serves items under collection at path.
func (s *Server) SetItems(path, collection string, items []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[path] = map[string]any{collection: items}
}

// SetStatus makes path answer with code; 0 restores normal answers.
func (s *Server) SetStatus(path string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[path] = code
}

// SetRaw makes path answer 200 with body verbatim.
func (s *Server) SetRaw(path, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw[path] = body
}

// ExpireSession invalidates the current session key.
func (s *Server) ExpireSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = ""
}

// Logins returns how many logins succeeded.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Requests returns how many authenticated requests reached path.
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.HasPrefix(r.URL.Path, "/api/login/") {
		if r.URL.Path != s.loginPath {
			writeJSON(w, map[string]any{"status": []map[string]any{{
				"response-type": "Error", "response": "Authentication Unsuccessful", "return-code": 2,
			}}})
			return
		}
		s.sessions++
		s.logins++
		s.session = fmt.Sprintf("session-%d", s.sessions)
		writeJSON(w, map[string]any{"status": []map[string]any{{
			"response-type": "Success", "response": s.session, "return-code": 1,
		}}})
		return
	}

	if s.session == "" || r.Header.Get("sessionKey") != s.session {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.requests[r.URL.Path]++
	if code := s.status[r.URL.Path]; code != 0 {
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"status":[{"response-type":"Error"}]}`))
		return
	}
	if body, ok := s.raw[r.URL.Path]; ok {
		_, _ = w.Write([]byte(body))
		return
	}
	doc, ok := s.collections[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, doc)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
