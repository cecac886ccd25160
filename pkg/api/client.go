// Package api 是主机状态接口的客户端
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Metaphorme/railsync/pkg/server"
)

const (
	defaultAttempts = 5
	defaultBackoff  = 2 * time.Second
	maxBackoff      = 30 * time.Second
)

// Client 访问主机的 /v1 状态接口
type Client struct {
	BaseURL     string
	HTTP        *http.Client
	MaxAttempts int
	Backoff     time.Duration // 第一次重试前的等待，之后逐次翻倍
}

// NewClient 创建客户端。baseURL 形如 http://10.0.0.2:30080
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		HTTP:        http.DefaultClient,
		MaxAttempts: defaultAttempts,
		Backoff:     defaultBackoff,
	}
}

// Session 获取会话状态
func (c *Client) Session(ctx context.Context) (*server.SessionResponse, error) {
	var resp server.SessionResponse
	if err := c.getJSON(ctx, "/v1/session", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Journal 获取最近 limit 条进出记录
func (c *Client) Journal(ctx context.Context, limit int) (*server.JournalResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/journal"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp server.JournalResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// getJSON 发送 GET 请求，网络错误与非 2xx 响应按指数退避重试，遵守 Retry-After
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	u := c.BaseURL + path
	attempts := max(c.MaxAttempts, 1)
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}

	sleep := func(d time.Duration) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := hc.Do(req)
		if err != nil {
			if ctx.Err() != nil || attempt == attempts {
				return err
			}
			if err := sleep(backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		if resp.StatusCode/100 == 2 {
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			return err
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if attempt == attempts || (resp.StatusCode/100 == 4 && resp.StatusCode != http.StatusTooManyRequests) {
			return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		}
		wait := backoff
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil && n >= 0 {
				wait = time.Duration(n) * time.Second
			}
		} else {
			backoff = min(backoff*2, maxBackoff)
		}
		if err := sleep(wait); err != nil {
			return err
		}
	}
	return fmt.Errorf("exhausted retries")
}
