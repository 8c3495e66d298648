package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"Dynaopt/internal/optimize"
	"Dynaopt/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	Method string
	Body   map[string]any
}

// fakeAPI records Bot API calls and answers getUpdates from a queue.
type fakeAPI struct {
	mu      sync.Mutex
	calls   []call
	updates [][]Update
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	var body map[string]any
	if r.Method == http.MethodPost {
		json.NewDecoder(r.Body).Decode(&body)
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{Method: method, Body: body})
	var result any = true
	switch method {
	case "getUpdates":
		result = []Update{}
		if len(f.updates) > 0 {
			result = f.updates[0]
			f.updates = f.updates[1:]
		}
	case "sendMessage":
		result = Message{MessageID: 7, Chat: Chat{ID: 1}}
	case "broken":
		f.mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Bad Request"})
		return
	}
	f.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func (f *fakeAPI) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Method)
	}
	return out
}

func (f *fakeAPI) last(method string) call {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Method == method {
			return f.calls[i]
		}
	}
	return call{}
}

func newClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c := NewClient("TOKEN")
	c.BaseURL = srv.URL
	return c
}

func seedRun(t *testing.T, db *repo.MemoryRunRepository, id string, state optimize.State) {
	t.Helper()
	require.NoError(t, db.CreateRun(context.Background(), repo.Run{
		ID:        id,
		Config:    optimize.Config{MeshPath: "/data/beam.k"},
		State:     state,
		CreatedAt: time.Now(),
	}))
}

func TestNotifier(t *testing.T) {
	api := &fakeAPI{}
	n := &Notifier{Client: newClient(t, api), ChatID: 42}
	run := repo.Run{
		ID:         "0123456789abcdef",
		Config:     optimize.Config{MeshPath: "/data/beam.k"},
		State:      optimize.StateConverged,
		Iterations: 3,
		FinalMesh:  "/data/beam_iter2.k",
	}

	require.NoError(t, n.RunStarted(context.Background(), run))
	started := api.last("sendMessage")
	assert.Equal(t, float64(42), started.Body["chat_id"])
	kb, err := json.Marshal(started.Body["reply_markup"])
	require.NoError(t, err)
	assert.Contains(t, string(kb), `"callback_data":"cancel:0123456789abcdef"`)

	require.NoError(t, n.RunFinished(context.Background(), run))
	text := api.last("sendMessage").Body["text"].(string)
	assert.Contains(t, text, "Run 01234567: converged")
	assert.Contains(t, text, "beam_iter2.k")
}

func TestClientError(t *testing.T) {
	c := newClient(t, &fakeAPI{})
	err := c.postJSON(context.Background(), "broken", map[string]any{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Bad Request")
}

func TestBotCancelCallback(t *testing.T) {
	api := &fakeAPI{}
	db := repo.NewMemoryRunDB()
	seedRun(t, db, "run-1", optimize.StateRunning)
	bot := &Bot{Client: newClient(t, api), AdminID: 1, Runs: db}

	err := bot.Handle(context.Background(), Update{CallbackQuery: &CallbackQuery{
		ID:      "cb",
		Data:    "cancel:run-1",
		Message: &Message{MessageID: 5, Chat: Chat{ID: 1}},
	}})
	require.NoError(t, err)

	req, err := db.CancelRequested(context.Background(), "run-1")
	require.NoError(t, err)
	assert.True(t, req)
	assert.Equal(t, []string{"answerCallbackQuery", "editMessageText"}, api.methods())
	assert.Equal(t, "Cancel requested", api.last("answerCallbackQuery").Body["text"])
}

func TestBotRejectsCallbacks(t *testing.T) {
	db := repo.NewMemoryRunDB()
	seedRun(t, db, "done", optimize.StateConverged)

	cases := map[string]struct {
		chat int64
		data string
		want string
	}{
		"stranger": {chat: 99, data: "cancel:done", want: "Not allowed"},
		"unknown":   {chat: 1, data: "approve:done", want: "Unknown action"},
		"missing":   {chat: 1, data: "cancel:nope", want: "Run not found"},
		"finished": {chat: 1, data: "cancel:done", want: "Already converged"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			api := &fakeAPI{}
			bot := &Bot{Client: newClient(t, api), AdminID: 1, Runs: db}
			err := bot.Handle(context.Background(), Update{CallbackQuery: &CallbackQuery{
				ID:      "cb",
				Data:    tc.data,
				Message: &Message{Chat: Chat{ID: tc.chat}},
			}})
			require.NoError(t, err)
			assert.Equal(t, tc.want, api.last("answerCallbackQuery").Body["text"])
		})
	}
	req, err := db.CancelRequested(context.Background(), "done")
	require.NoError(t, err)
	assert.False(t, req)
}

func TestBotListRuns(t *testing.T) {
	api := &fakeAPI{}
	db := repo.NewMemoryRunDB()
	bot := &Bot{Client: newClient(t, api), AdminID: 1, Runs: db}

	require.NoError(t, bot.Handle(context.Background(), Update{Message: &Message{Chat: Chat{ID: 1}, Text: "/runs"}}))
	assert.Equal(t, "No runs yet", api.last("sendMessage").Body["text"])

	seedRun(t, db, "abcdefghijkl", optimize.StateStalled)
	require.NoError(t, bot.Handle(context.Background(), Update{Message: &Message{Chat: Chat{ID: 1}, Text: "/runs"}}))
	assert.Contains(t, api.last("sendMessage").Body["text"], "abcdefgh stalled")

	require.NoError(t, bot.Handle(context.Background(), Update{Message: &Message{Chat: Chat{ID: 2}, Text: "/runs"}}))
	assert.Len(t, api.methods(), 2, "other chats are ignored")
}

func TestBotPoll(t *testing.T) {
	db := repo.NewMemoryRunDB()
	seedRun(t, db, "run-1", optimize.StateRunning)
	api := &fakeAPI{updates: [][]Update{{
		{UpdateID: 10, CallbackQuery: &CallbackQuery{ID: "cb", Data: "cancel:run-1", Message: &Message{Chat: Chat{ID: 1}}}},
	}}}
	bot := &Bot{Client: newClient(t, api), AdminID: 1, Runs: db}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bot.Poll(ctx) }()

	require.Eventually(t, func() bool {
		req, _ := db.CancelRequested(context.Background(), "run-1")
		return req
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Contains(t, api.methods(), "getUpdates")
}
