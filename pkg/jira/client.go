package jira

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

var (
	projectKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]+$`)
	issueKeyPattern   = regexp.MustCompile(`^[A-Z][A-Z0-9_]+-\d+$`)
)

// Client Jira Cloud REST v3 客户端
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
	transport := config.Transport
	if transport == nil {
		transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		logger: logger,
		config: config,
	}
}

// IsIssueKey 判断是否为 PROJECT-123 形式
func IsIssueKey(s string) bool {
	return issueKeyPattern.MatchString(s)
}

// SearchIssues 拉取项目内最近创建的问题
func (c *Client) SearchIssues(ctx context.Context, maxResults, startAt int) ([]Issue, error) {
	key := strings.ToUpper(strings.TrimSpace(c.config.ProjectKey))
	jql := "ORDER BY created DESC"
	if key != "" {
		if !projectKeyPattern.MatchString(key) {
			return nil, fmt.Errorf("invalid project key %q", key)
		}
		jql = fmt.Sprintf("project=%s ORDER BY created DESC", key)
	}
	q := url.Values{}
	q.Set("jql", jql)
	q.Set("startAt", strconv.Itoa(startAt))
	q.Set("maxResults", strconv.Itoa(maxResults))
	q.Set("fields", SearchFields)

	var resp searchResponse
	if err := c.doRequestWithRetry(ctx, "/rest/api/3/search", q, &resp); err != nil {
		return nil, err
	}
	return resp.Issues, nil
}

// GetIssue 按 key 查询，不存在时返回 (nil, nil)
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if !IsIssueKey(key) {
		return nil, nil
	}
	q := url.Values{}
	q.Set("fields", SearchFields)

	var issue Issue
	err := c.doRequestWithRetry(ctx, "/rest/api/3/issue/"+url.PathEscape(key), q, &issue)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &issue, nil
}

// Myself 当前凭据对应的用户
func (c *Client) Myself(ctx context.Context) (*User, error) {
	var u User
	if err := c.doRequestWithRetry(ctx, "/rest/api/3/myself", url.Values{}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// HealthCheck 校验地址与凭据
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Myself(ctx)
	return err
}

func (c *Client) createRequest(ctx context.Context, path string, query url.Values) (*http.Request, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("jira base url is empty")
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.config.Email, c.config.APIToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Flowstream-Jira-Client/1.0")
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

	c.logger.Debugf("Jira API Request: %s %s", req.Method, req.URL.Path)
	c.logger.Debugf("Jira API Response: %d (%d bytes)", resp.StatusCode, len(body))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := http.StatusText(resp.StatusCode)
		var errResp errorResponse
		if err := json.Unmarshal(body, &errResp); err == nil {
			if len(errResp.ErrorMessages) > 0 {
				msg = strings.Join(errResp.ErrorMessages, "; ")
			} else {
				for field, m := range errResp.Errors {
					msg = field + ": " + m
					break
				}
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) doRequestWithRetry(ctx context.Context, path string, query url.Values, result interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("Jira API retry attempt %d/%d", attempt, c.config.MaxRetries)
		}

		req, err := c.createRequest(ctx, path, query)
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

// 429 与 5xx 重试，其余 4xx 直接返回
func shouldRetry(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}
