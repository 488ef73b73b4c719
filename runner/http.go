package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net"
	"net/http"
	"time"

	"github.com/leandro-lugaresi/hub"
	"github.com/pkg/errors"
)

// Cobalt response statuses.
const (
	statusRedirect        = "redirect"
	statusTunnel          = "tunnel"
	statusPicker          = "picker"
	statusError           = "error"
	statusLocalProcessing = "local-processing"
)

type cobaltResponse struct {
	Status   string `json:"status"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Picker   []struct {
		Type  string `json:"type"`
		URL   string `json:"url"`
		Thumb string `json:"thumb"`
	} `json:"picker"`
	Error struct {
		Code string `json:"code"`
	} `json:"error"`
}

type httpRunner struct {
	client  *http.Client
	hub     *hub.Hub
	url     string
	headers map[string]string
}

func (p *httpRunner) Download(ctx context.Context, url string) ([]string, error) {
	payload, err := json.Marshal(struct {
		URL string `json:"url"`
	}{url})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode the request")
	}
	req, err := http.NewRequest(http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		p.hub.Publish(hub.Message{
			Name:   "runner.http.error",
			Body:   []byte("request creation failed"),
			Fields: hub.Fields{"error": err},
		})
		return nil, errors.Wrap(err, "request creation failed")
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.hub.Publish(hub.Message{
			Name:   "runner.http.error",
			Body:   []byte("failed doing the request"),
			Fields: hub.Fields{"error": err, "url": url},
		})
		return nil, errors.Wrap(err, "failed doing the request")
	}
	defer func() {
		deferErr := resp.Body.Close()
		if deferErr != nil {
			p.hub.Publish(hub.Message{
				Name:   "runner.http.error",
				Body:   []byte("error closing the response body"),
				Fields: hub.Fields{"error": deferErr},
			})
		}
	}()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "error reading the response body")
	}
	if resp.StatusCode != http.StatusOK {
		p.hub.Publish(hub.Message{
			Name:   "runner.http.error",
			Body:   []byte("receive a non 200 response from request"),
			Fields: hub.Fields{"output": body, "status-code": resp.StatusCode, "url": url},
		})
		return nil, &Error{
			Err:        errors.Errorf("received non-200 response: %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Output:     body,
		}
	}
	content := cobaltResponse{}
	if err = json.Unmarshal(body, &content); err != nil {
		return nil, &Error{
			Err:        errors.Wrap(err, "failed to unmarshal the response"),
			StatusCode: resp.StatusCode,
			Output:     body,
		}
	}

	switch content.Status {
	case statusRedirect, statusTunnel:
		return []string{content.URL}, nil
	case statusPicker:
		urls := make([]string, 0, len(content.Picker))
		for _, item := range content.Picker {
			urls = append(urls, item.URL)
		}
		if len(urls) > 0 {
			return urls, nil
		}
	case statusError:
		return nil, errors.Errorf("cobalt service error: %s", content.Error.Code)
	case statusLocalProcessing:
		return nil, errors.Errorf("cobalt service is processing the file locally: %s", content.Filename)
	}
	return nil, errors.Errorf("unexpected cobalt response status: %q", content.Status)
}

func newHTTP(c Config, h *hub.Hub) (*httpRunner, error) {
	if c.Options.URL == "" {
		return nil, errors.New("the http engine needs an url")
	}
	runner := httpRunner{
		hub:     h,
		url:     c.Options.URL,
		headers: c.Options.Headers,
		client: &http.Client{
			Timeout: c.Timeout,
			Transport: &http.Transport{
				Dial: (&net.Dialer{
					Timeout: 5 * time.Second,
				}).Dial,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		},
	}
	return &runner, nil
}
