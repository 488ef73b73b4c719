// Package telegram is the small slice of the Bot API the bus callbacks need.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
	"github.com/rafaeljesus/retry-go"
)

// Telegram accepts at most 10 items per media group.
const maxGroupSize = 10

// knownTypes covers the media cobalt and yt-dlp usually return; mime tables vary per system.
var knownTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
}

// Media kinds understood by sendMediaGroup.
const (
	MediaPhoto    = "photo"
	MediaVideo    = "video"
	MediaDocument = "document"
)

type (
	// Config for the Bot API client.
	Config struct {
		Token           string        `mapstructure:"token" yaml:"token"`
		BaseURL         string        `mapstructure:"base_url" yaml:"base_url" default:"https://api.telegram.org"`
		Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout" default:"60s"`
		RequestInterval time.Duration `mapstructure:"request_interval" yaml:"request_interval" default:"500ms"`
		Retries         int           `mapstructure:"retries" yaml:"retries" default:"3"`
		RetryDelay      time.Duration `mapstructure:"retry_delay" yaml:"retry_delay" default:"1s"`
	}

	// Client talks to the Bot API over plain HTTP.
	// Requests are spaced by at least RequestInterval.
	Client struct {
		http       *http.Client
		hub        *hub.Hub
		baseURL    string
		token      string
		interval   time.Duration
		retries    int
		retryDelay time.Duration

		mu   sync.Mutex
		last time.Time
	}

	// APIError is a response with ok=false.
	APIError struct {
		Method      string
		Code        int
		Description string
		RetryAfter  int
	}

	// InputMedia is one entry of a media group.
	InputMedia struct {
		Type    string `json:"type"`
		Media   string `json:"media"`
		Caption string `json:"caption,omitempty"`
	}

	apiResponse struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
)

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s failed (%d): %s", e.Method, e.Code, e.Description)
}

// Temporary reports whether repeating the request can succeed.
func (e *APIError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// New returns a client for the given bot token.
func New(c Config, h *hub.Hub) *Client {
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 1
	}
	return &Client{
		http:       &http.Client{Timeout: c.Timeout},
		hub:        h,
		baseURL:    strings.TrimRight(c.BaseURL, "/"),
		token:      c.Token,
		interval:   c.RequestInterval,
		retries:    c.Retries,
		retryDelay: c.RetryDelay,
	}
}

// MediaType guesses the media kind from the link extension. Unknown types are documents.
func MediaType(link string) string {
	p := link
	if u, err := url.Parse(link); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	kind, ok := knownTypes[ext]
	if !ok {
		kind = mime.TypeByExtension(ext)
	}
	switch {
	case strings.HasPrefix(kind, "image/"):
		return MediaPhoto
	case strings.HasPrefix(kind, "video/"):
		return MediaVideo
	}
	return MediaDocument
}

// SendMedia delivers the links to the chat as media groups, replying to replyTo when it is not zero.
// Photos and videos share groups, documents are grouped apart since the Bot API refuses to mix them.
// The caption goes on the first item.
func (c *Client) SendMedia(ctx context.Context, chatID string, links []string, replyTo int64, caption string) error {
	if len(links) == 0 {
		return errors.New("no media to send")
	}
	groups := mediaGroups(links)
	groups[0][0].Caption = caption

	for _, group := range groups {
		var err error
		if len(group) == 1 {
			err = c.sendSingle(ctx, chatID, group[0], replyTo)
		} else {
			params := map[string]interface{}{"chat_id": chatID, "media": group}
			if replyTo != 0 {
				params["reply_to_message_id"] = replyTo
			}
			err = c.call(ctx, "sendMediaGroup", params)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// mediaGroups splits the links in groups of at most maxGroupSize items.
// Photos and videos come first, keeping the links order inside each kind.
func mediaGroups(links []string) [][]InputMedia {
	var visual, documents []InputMedia
	for _, link := range links {
		m := InputMedia{Type: MediaType(link), Media: link}
		if m.Type == MediaDocument {
			documents = append(documents, m)
			continue
		}
		visual = append(visual, m)
	}
	var groups [][]InputMedia
	for _, media := range [][]InputMedia{visual, documents} {
		for start := 0; start < len(media); start += maxGroupSize {
			end := start + maxGroupSize
			if end > len(media) {
				end = len(media)
			}
			groups = append(groups, media[start:end])
		}
	}
	return groups
}

// DeleteMessage removes a message from the chat.
func (c *Client) DeleteMessage(ctx context.Context, chatID string, messageID int64) error {
	return c.call(ctx, "deleteMessage", map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
	})
}

// SendMessage sends a plain text message.
func (c *Client) SendMessage(ctx context.Context, chatID, text string, replyTo int64) error {
	params := map[string]interface{}{"chat_id": chatID, "text": text}
	if replyTo != 0 {
		params["reply_to_message_id"] = replyTo
	}
	return c.call(ctx, "sendMessage", params)
}

func (c *Client) sendSingle(ctx context.Context, chatID string, m InputMedia, replyTo int64) error {
	params := map[string]interface{}{"chat_id": chatID, m.Type: m.Media}
	if m.Caption != "" {
		params["caption"] = m.Caption
	}
	if replyTo != 0 {
		params["reply_to_message_id"] = replyTo
	}
	method := map[string]string{
		MediaPhoto:    "sendPhoto",
		MediaVideo:    "sendVideo",
		MediaDocument: "sendDocument",
	}[m.Type]
	return c.call(ctx, method, params)
}

// call retries transient failures. Client errors are returned at once.
func (c *Client) call(ctx context.Context, method string, params interface{}) error {
	var permanent error
	err := retry.Do(func() error {
		err := c.do(ctx, method, params)
		if err == nil {
			return nil
		}
		if apiErr, ok := errors.Cause(err).(*APIError); ok && !apiErr.Temporary() {
			permanent = err
			return nil
		}
		if ctx.Err() != nil {
			permanent = ctx.Err()
			return nil
		}
		c.hub.Publish(hub.Message{
			Name:   "telegram.request.warning",
			Body:   []byte("request failed, retrying"),
			Fields: hub.Fields{"method": method, "error": err},
		})
		return err
	}, c.retries, c.retryDelay)
	if permanent != nil {
		return permanent
	}
	return err
}

func (c *Client) do(ctx context.Context, method string, params interface{}) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "failed to encode the request")
	}
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method), bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "request creation failed")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed doing the %s request", method)
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "error reading the response body")
	}
	out := apiResponse{}
	if err := json.Unmarshal(body, &out); err != nil {
		return &APIError{Method: method, Code: resp.StatusCode, Description: string(body)}
	}
	if !out.OK {
		return &APIError{
			Method:      method,
			Code:        out.ErrorCode,
			Description: out.Description,
			RetryAfter:  out.Parameters.RetryAfter,
		}
	}
	return nil
}

// wait blocks until the minimum interval since the previous request elapsed.
func (c *Client) wait(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.interval - time.Since(c.last); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.last = time.Now()
	return nil
}
