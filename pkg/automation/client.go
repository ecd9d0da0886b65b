// Package automation 邮件自动化机器人服务的 HTTP 客户端
package automation

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

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Interface 供同步服务使用
type Interface interface {
	RecentRuns(ctx context.Context, companyID string, limit int) ([]Run, error)
	HealthCheck(ctx context.Context) error
}

// Client 机器人服务客户端
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

// NewClient 创建客户端
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		config: config,
	}
}

// RecentRuns 拉取租户最近的处理记录
func (c *Client) RecentRuns(ctx context.Context, companyID string, limit int) ([]Run, error) {
	q := url.Values{}
	q.Set("company_id", companyID)
	q.Set("limit", strconv.Itoa(limit))

	var resp RunsResponse
	if err := c.doRequestWithRetry(ctx, "/api/runs?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.doRequestWithRetry(ctx, "/health", nil)
}

func (c *Client) createRequest(ctx context.Context, endpoint string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("User-Agent", "Flowstream-Automation-Client/1.0")
	return req, nil
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debugf("Automation API Request: %s %s", req.Method, req.URL.Path)
	c.logger.Debugf("Automation API Response: %d %s", resp.StatusCode, string(body))

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("API error [%d]: %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("API error [%d]: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) doRequestWithRetry(ctx context.Context, endpoint string, result interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("Automation API retry attempt %d/%d", attempt, c.config.MaxRetries)
		}

		req, err := c.createRequest(ctx, endpoint)
		if err != nil {
			return err
		}
		if err := c.doRequest(req, result); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
