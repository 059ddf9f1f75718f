// Package tokenclient fetches channel access tokens from the meet server.
package tokenclient

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

const defaultTimeout = 10 * time.Second

type Grant struct {
	AppID     string    `json:"app_id"`
	Channel   string    `json:"channel"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Client struct {
	base string
	http *fasthttp.Client
}

// New takes the server base URL, e.g. http://localhost:8080.
func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &fasthttp.Client{Name: "meet"},
	}
}

func (c *Client) Fetch(ctx context.Context, channel, name string) (*Grant, error) {
	body, err := sonic.Marshal(struct {
		Name string `json:"name,omitempty"`
	}{Name: name})
	if err != nil {
		return nil, fmt.Errorf("encode token request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + "/api/channels/" + url.PathEscape(channel) + "/token")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	timeout := defaultTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("performing token request: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}

	var g Grant
	if err := sonic.Unmarshal(resp.Body(), &g); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if g.Token == "" {
		return nil, fmt.Errorf("empty token in response")
	}
	return &g, nil
}
