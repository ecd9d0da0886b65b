package servicenow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var sysIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Client ServiceNow Table API 客户端
type Client struct {
	baseURL    string
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
	if config.Table == "" {
		config.Table = "incident"
	}
	transport := config.Transport
	if transport == nil {
		transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	return &Client{
		baseURL: strings.TrimRight(config.InstanceURL, "/"),
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		logger: logger,
		config: config,
	}
}

// ListIncidents 按创建时间倒序分页拉取
func (c *Client) ListIncidents(ctx context.Context, limit, offset int) ([]Incident, error) {
	q := url.Values{}
	q.Set("sysparm_limit", strconv.Itoa(limit))
	q.Set("sysparm_offset", strconv.Itoa(offset))
	q.Set("sysparm_query", "ORDERBYDESCsys_created_on")

	var resp listResponse
	if err := c.doRequestWithRetry(ctx, q, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// GetIncident 按编号（INC0010001）或 sys_id 查询，不存在时返回 (nil, nil)
func (c *Client) GetIncident(ctx context.Context, id string) (*Incident, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("incident id is required")
	}
	// 避免拼接出额外的 encoded query 条件
	if strings.ContainsAny(id, "^=") {
		return nil, nil
	}
	field := "number"
	if sysIDPattern.MatchString(id) {
		field = "sys_id"
	}
	q := url.Values{}
	q.Set("sysparm_limit", "1")
	q.Set("sysparm_query", field+"="+id)

	var resp listResponse
	if err := c.doRequestWithRetry(ctx, q, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	return &resp.Result[0], nil
}

// HealthCheck 以最小查询校验地址与凭据
func (c *Client) HealthCheck(ctx context.Context) error {
	q := url.Values{}
	q.Set("sysparm_limit", "1")
	q.Set("sysparm_fields", "sys_id")
	var resp listResponse
	return c.doRequestWithRetry(ctx, q, &resp)
}

func (c *Client) createRequest(ctx context.Context, query url.Values) (*http.Request, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("servicenow instance url is empty")
	}
	query.Set("sysparm_exclude_reference_link", "true")
	endpoint := fmt.Sprintf("%s/api/now/table/%s?%s", c.baseURL, c.config.Table, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.config.Username, c.config.Password)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Flowstream-ServiceNow-Client/1.0")
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

	c.logger.Debugf("ServiceNow API Request: %s %s", req.Method, req.URL.Path)
	c.logger.Debugf("ServiceNow API Response: %d (%d bytes)", resp.StatusCode, len(body))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error.Message}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) doRequestWithRetry(ctx context.Context, query url.Values, result interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("ServiceNow API retry attempt %d/%d", attempt, c.config.MaxRetries)
		}

		req, err := c.createRequest(ctx, query)
		if err != nil {
			return err
		}
		if err := c.doRequest(req, result); err != nil {
			lastErr = err
			if attempt < c.config.MaxRetries && shouldRetry(err) {
				continue
			}
			break
		}
		return nil
	}
	return lastErr
}

// 4xx 不重试，网络错误与 5xx 重试
func shouldRetry(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}
