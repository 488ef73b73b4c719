package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/leandro-lugaresi/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	method string
	params map[string]interface{}
	at     time.Time
}

type fakeBotAPI struct {
	mu       sync.Mutex
	requests []request
	reply    func(n int, method string) (int, string)
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	params := map[string]interface{}{}
	_ = json.NewDecoder(req.Body).Decode(&params)
	method := req.URL.Path[len("/bottoken/"):]
	f.mu.Lock()
	f.requests = append(f.requests, request{method: method, params: params, at: time.Now()})
	n := len(f.requests)
	f.mu.Unlock()
	code, body := 200, `{"ok":true,"result":true}`
	if f.reply != nil {
		code, body = f.reply(n, method)
	}
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}

func (f *fakeBotAPI) calls() []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]request{}, f.requests...)
}

func newTestClient(t *testing.T, api *fakeBotAPI, interval time.Duration) *Client {
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	return New(Config{
		Token:           "token",
		BaseURL:         server.URL + "/",
		Timeout:         time.Second,
		RequestInterval: interval,
		Retries:         3,
		RetryDelay:      time.Millisecond,
	}, hub.New())
}

func TestMediaType(t *testing.T) {
	assert.Equal(t, MediaPhoto, MediaType("https://cdn.example.com/a/1.JPG?size=large"))
	assert.Equal(t, MediaVideo, MediaType("https://cdn.example.com/v.mp4"))
	assert.Equal(t, MediaDocument, MediaType("https://cobalt.example.com/tunnel?id=abc"))
	assert.Equal(t, MediaDocument, MediaType("https://cdn.example.com/file.zip"))
}

func TestClient_SendMedia(t *testing.T) {
	t.Run("a single link uses the matching send method", func(t *testing.T) {
		api := &fakeBotAPI{}
		c := newTestClient(t, api, 0)
		require.NoError(t, c.SendMedia(context.Background(), "123", []string{"https://cdn.example.com/v.mp4"}, 9, "here it is"))
		calls := api.calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "sendVideo", calls[0].method)
		assert.Equal(t, "123", calls[0].params["chat_id"])
		assert.Equal(t, "https://cdn.example.com/v.mp4", calls[0].params["video"])
		assert.Equal(t, "here it is", calls[0].params["caption"])
		assert.EqualValues(t, 9, calls[0].params["reply_to_message_id"])
	})
	t.Run("many links are sent as groups of ten", func(t *testing.T) {
		api := &fakeBotAPI{}
		c := newTestClient(t, api, 0)
		links := make([]string, 12)
		for i := range links {
			links[i] = "https://cdn.example.com/photo.jpg"
		}
		require.NoError(t, c.SendMedia(context.Background(), "123", links, 0, "album"))
		calls := api.calls()
		require.Len(t, calls, 2)
		assert.Equal(t, "sendMediaGroup", calls[0].method)
		media := calls[0].params["media"].([]interface{})
		require.Len(t, media, 10)
		first := media[0].(map[string]interface{})
		assert.Equal(t, "photo", first["type"])
		assert.Equal(t, "album", first["caption"])
		_, hasReply := calls[0].params["reply_to_message_id"]
		assert.False(t, hasReply)
		assert.Len(t, calls[1].params["media"].([]interface{}), 2)
	})
	t.Run("documents are never mixed with photos and videos", func(t *testing.T) {
		api := &fakeBotAPI{}
		c := newTestClient(t, api, 0)
		links := []string{
			"https://cdn.example.com/file.zip",
			"https://cdn.example.com/1.jpg",
			"https://cdn.example.com/v.mp4",
			"https://cobalt.example.com/tunnel?id=abc",
		}
		require.NoError(t, c.SendMedia(context.Background(), "123", links, 0, "mixed"))
		calls := api.calls()
		require.Len(t, calls, 2)
		visual := calls[0].params["media"].([]interface{})
		require.Len(t, visual, 2)
		assert.Equal(t, "photo", visual[0].(map[string]interface{})["type"])
		assert.Equal(t, "mixed", visual[0].(map[string]interface{})["caption"])
		assert.Equal(t, "video", visual[1].(map[string]interface{})["type"])
		documents := calls[1].params["media"].([]interface{})
		require.Len(t, documents, 2)
		for _, d := range documents {
			assert.Equal(t, "document", d.(map[string]interface{})["type"])
		}
	})
	t.Run("a lone document uses sendDocument", func(t *testing.T) {
		api := &fakeBotAPI{}
		c := newTestClient(t, api, 0)
		require.NoError(t, c.SendMedia(context.Background(), "123", []string{"https://cdn.example.com/1.jpg", "https://cdn.example.com/file.zip"}, 0, ""))
		calls := api.calls()
		require.Len(t, calls, 2)
		assert.Equal(t, "sendPhoto", calls[0].method)
		assert.Equal(t, "sendDocument", calls[1].method)
	})
	t.Run("nothing to send", func(t *testing.T) {
		c := newTestClient(t, &fakeBotAPI{}, 0)
		assert.Error(t, c.SendMedia(context.Background(), "123", nil, 0, ""))
	})
}

func TestClient_Retries(t *testing.T) {
	t.Run("transient errors are retried", func(t *testing.T) {
		api := &fakeBotAPI{reply: func(n int, method string) (int, string) {
			if n < 3 {
				return 429, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 1","parameters":{"retry_after":1}}`
			}
			return 200, `{"ok":true,"result":true}`
		}}
		c := newTestClient(t, api, 0)
		require.NoError(t, c.DeleteMessage(context.Background(), "123", 10))
		assert.Len(t, api.calls(), 3)
	})
	t.Run("client errors are not retried", func(t *testing.T) {
		api := &fakeBotAPI{reply: func(n int, method string) (int, string) {
			return 400, `{"ok":false,"error_code":400,"description":"Bad Request: message to delete not found"}`
		}}
		c := newTestClient(t, api, 0)
		err := c.DeleteMessage(context.Background(), "123", 10)
		require.Error(t, err)
		apiErr, ok := err.(*APIError)
		require.True(t, ok)
		assert.Equal(t, 400, apiErr.Code)
		assert.Equal(t, "telegram deleteMessage failed (400): Bad Request: message to delete not found", err.Error())
		assert.Len(t, api.calls(), 1)
	})
	t.Run("the budget is limited", func(t *testing.T) {
		api := &fakeBotAPI{reply: func(n int, method string) (int, string) {
			return 502, `<html>Bad Gateway</html>`
		}}
		c := newTestClient(t, api, 0)
		require.Error(t, c.SendMessage(context.Background(), "123", "hello", 0))
		assert.Len(t, api.calls(), 3)
	})
}

func TestClient_RequestInterval(t *testing.T) {
	api := &fakeBotAPI{}
	c := newTestClient(t, api, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.SendMessage(context.Background(), "123", "hello", 0))
	}
	calls := api.calls()
	require.Len(t, calls, 3)
	for i := 1; i < len(calls); i++ {
		assert.True(t, calls[i].at.Sub(calls[i-1].at) >= 45*time.Millisecond, "requests must be spaced")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.interval = time.Hour
	assert.Equal(t, context.Canceled, c.SendMessage(ctx, "123", "hello", 0))
}
