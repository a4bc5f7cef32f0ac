package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer creates a test server that mocks Twitch Helix API responses
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockStreamsResponse adds a handler for /helix/streams endpoint
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]interface{}) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data": streams,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse adds a handler for OAuth token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// TelegramMessage is one request received by MockTelegramServer.
type TelegramMessage struct {
	Method string
	ChatID string
	Text   string
}

// MockTelegramServer records Bot API calls. Token is the bot token its routes answer to.
type MockTelegramServer struct {
	*httptest.Server
	Token string

	mu       sync.Mutex
	messages []TelegramMessage
	// Fail, when non-nil, is consulted before recording; returning true means it wrote an error response.
	Fail func(w http.ResponseWriter, r *http.Request) bool
}

// NewMockTelegramServer creates a Bot API mock accepting sendMessage and sendPhoto.
func NewMockTelegramServer(t *testing.T) *MockTelegramServer {
	t.Helper()
	m := &MockTelegramServer{Token: "test-bot-token"}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix := "/bot" + m.Token + "/"
		if !strings.HasPrefix(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
			return
		}
		m.mu.Lock()
		fail := m.Fail
		m.mu.Unlock()
		if fail != nil && fail(w, r) {
			return
		}
		msg := TelegramMessage{Method: strings.TrimPrefix(r.URL.Path, prefix)}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			if err := r.ParseMultipartForm(10 << 20); err == nil {
				msg.ChatID = r.FormValue("chat_id")
				msg.Text = r.FormValue("caption")
			}
		} else {
			var body struct {
				ChatID string `json:"chat_id"`
				Text   string `json:"text"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test mock request
			msg.ChatID, msg.Text = body.ChatID, body.Text
		}
		m.mu.Lock()
		m.messages = append(m.messages, msg)
		m.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	}))
	t.Cleanup(m.Close)
	return m
}

// SetFail installs a failure hook.
func (m *MockTelegramServer) SetFail(f func(w http.ResponseWriter, r *http.Request) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fail = f
}

// Messages returns a copy of the recorded calls.
func (m *MockTelegramServer) Messages() []TelegramMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TelegramMessage(nil), m.messages...)
}
