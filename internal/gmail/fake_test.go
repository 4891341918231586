package gmail

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

// fakeGmail is a minimal Gmail REST API and OAuth token endpoint.
type fakeGmail struct {
	t   *testing.T
	srv *httptest.Server

	mu           sync.Mutex
	email        string
	accessToken  string
	messages     map[string]map[string]any
	order        []string
	queries      []string
	maxResults   []string
	deleted      []string
	batchDeletes [][]string
	refreshes    int
	profileCode  int
}

func newFakeGmail(t *testing.T) *fakeGmail {
	t.Helper()
	f := &fakeGmail{
		t:           t,
		email:       "qa@checkmate.example",
		accessToken: "at-valid",
		messages:    map[string]map[string]any{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", f.handleToken)
	mux.HandleFunc("GET /gmail/v1/users/me/profile", f.authed(f.handleProfile))
	mux.HandleFunc("GET /gmail/v1/users/me/messages", f.authed(f.handleList))
	mux.HandleFunc("GET /gmail/v1/users/me/messages/{id}", f.authed(f.handleGet))
	mux.HandleFunc("DELETE /gmail/v1/users/me/messages/{id}", f.authed(f.handleDelete))
	mux.HandleFunc("POST /gmail/v1/users/me/messages/batchDelete", f.authed(f.handleBatchDelete))
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGmail) endpoint() string { return f.srv.URL + "/" }

// add stores a message in Gmail's JSON shape. The newest added message is
// listed first, like Gmail.
func (f *fakeGmail) add(id string, internal time.Time, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[id] = map[string]any{
		"id":           id,
		"threadId":     "t-" + id,
		"internalDate": fmt.Sprintf("%d", internal.UnixMilli()),
		"payload":      payload,
	}
	f.order = append([]string{id}, f.order...)
}

func (f *fakeGmail) writeCredentials(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	body := fmt.Sprintf(`{"installed":{"client_id":"cid.apps.googleusercontent.com","client_secret":"shh","redirect_uris":["http://localhost"],"auth_uri":"%s/auth","token_uri":"%s/token"}}`, f.srv.URL, f.srv.URL)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}
	return path
}

func (f *fakeGmail) validToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  f.accessToken,
		TokenType:    "Bearer",
		RefreshToken: "rt-1",
		Expiry:       time.Now().Add(time.Hour),
	}
}

func (f *fakeGmail) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		want := "Bearer " + f.accessToken
		f.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			writeAPIError(w, http.StatusUnauthorized, "Invalid Credentials")
			return
		}
		next(w, r)
	}
}

func (f *fakeGmail) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	switch r.Form.Get("grant_type") {
	case "refresh_token":
		f.refreshes++
		f.accessToken = fmt.Sprintf("at-refreshed-%d", f.refreshes)
	case "authorization_code":
		if r.Form.Get("code") != "good-code" {
			f.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		f.accessToken = "at-from-code"
	}
	tok := f.accessToken
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  tok,
		"token_type":    "Bearer",
		"refresh_token": "rt-1",
		"expires_in":    3600,
	})
}

func (f *fakeGmail) handleProfile(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	code := f.profileCode
	f.mu.Unlock()
	if code != 0 {
		writeAPIError(w, code, "profile unavailable")
		return
	}
	writeJSON(w, map[string]any{"emailAddress": f.email, "messagesTotal": len(f.messages)})
}

func (f *fakeGmail) handleList(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, r.URL.Query().Get("q"))
	f.maxResults = append(f.maxResults, r.URL.Query().Get("maxResults"))

	refs := make([]map[string]string, 0, len(f.order))
	for _, id := range f.order {
		refs = append(refs, map[string]string{"id": id, "threadId": "t-" + id})
	}
	if len(refs) == 0 {
		writeJSON(w, map[string]any{"resultSizeEstimate": 0})
		return
	}
	writeJSON(w, map[string]any{"messages": refs, "resultSizeEstimate": len(refs)})
}

func (f *fakeGmail) handleGet(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	msg, ok := f.messages[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		writeAPIError(w, http.StatusNotFound, "Requested entity was not found.")
		return
	}
	writeJSON(w, msg)
}

func (f *fakeGmail) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.messages[id]; !ok {
		writeAPIError(w, http.StatusNotFound, "Requested entity was not found.")
		return
	}
	f.removeLocked(id)
	f.deleted = append(f.deleted, id)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeGmail) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range req.IDs {
		f.removeLocked(id)
	}
	f.batchDeletes = append(f.batchDeletes, req.IDs)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeGmail) removeLocked(id string) {
	delete(f.messages, id)
	kept := f.order[:0]
	for _, o := range f.order {
		if o != id {
			kept = append(kept, o)
		}
	}
	f.order = kept
}

func (f *fakeGmail) lastQuery() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		return ""
	}
	return f.queries[len(f.queries)-1]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
}

func textPayload(from, subject, text string) map[string]any {
	return map[string]any{
		"mimeType": "text/plain",
		"headers": []map[string]string{
			{"name": "From", "value": from},
			{"name": "Subject", "value": subject},
		},
		"body": map[string]any{"data": encodeURL(text), "size": len(text)},
	}
}

func encodeURL(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
