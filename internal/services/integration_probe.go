package services

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"flowstream/internal/models"
	"flowstream/pkg/jira"
	"flowstream/pkg/servicenow"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// ConnectivityProber 集成连通性探测
type ConnectivityProber interface {
	Probe(ctx context.Context, integrationType string, public, secrets map[string]string) error
}

// DefaultProber 按类型探测真实服务
type DefaultProber struct {
	Timeout     time.Duration
	GroqBaseURL string
	// GoogleEndpoint 刷新 OAuth token 使用的端点
	GoogleEndpoint oauth2.Endpoint
	// SMTPAuth 为空时使用 net/smtp 实际登录
	SMTPAuth func(ctx context.Context, addr, username, password string) error
	logger   *logrus.Logger
}

// NewDefaultProber 创建探测器
func NewDefaultProber(timeout time.Duration, logger *logrus.Logger) *DefaultProber {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &DefaultProber{
		Timeout:        timeout,
		GroqBaseURL:    "https://api.groq.com",
		GoogleEndpoint: endpoints.Google,
		logger:         logger,
	}
}

// Probe 成功返回 nil
func (p *DefaultProber) Probe(ctx context.Context, integrationType string, public, secrets map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	switch integrationType {
	case models.IntegrationServiceNow:
		cfg := servicenow.DefaultConfig()
		cfg.InstanceURL = public["instance_url"]
		cfg.Username = public["username"]
		cfg.Password = secrets["password"]
		cfg.Timeout = p.Timeout
		cfg.MaxRetries = 0
		return servicenow.NewClient(cfg, p.logger).HealthCheck(ctx)
	case models.IntegrationJira:
		cfg := jira.DefaultConfig()
		cfg.BaseURL = public["base_url"]
		cfg.Email = public["email"]
		cfg.APIToken = secrets["api_token"]
		cfg.Timeout = p.Timeout
		cfg.MaxRetries = 0
		return jira.NewClient(cfg, p.logger).HealthCheck(ctx)
	case models.IntegrationGmail:
		return p.probeGmail(ctx, public, secrets)
	case models.IntegrationGroq:
		return p.probeGroq(ctx, public, secrets)
	}
	return ErrUnsupportedIntegration
}

func (p *DefaultProber) probeGmail(ctx context.Context, public, secrets map[string]string) error {
	if secrets["refresh_token"] != "" && public["client_id"] != "" && secrets["client_secret"] != "" {
		conf := &oauth2.Config{
			ClientID:     public["client_id"],
			ClientSecret: secrets["client_secret"],
			Endpoint:     p.GoogleEndpoint,
			Scopes:       []string{"https://mail.google.com/"},
		}
		tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: secrets["refresh_token"]}).Token()
		if err != nil {
			return fmt.Errorf("oauth refresh: %w", err)
		}
		if !tok.Valid() {
			return errors.New("oauth refresh returned an invalid token")
		}
		return nil
	}
	if secrets["app_password"] == "" {
		return errors.New("gmail requires an app password or OAuth credentials")
	}
	host := public["smtp_host"]
	if host == "" {
		host = "smtp.gmail.com"
	}
	port := public["smtp_port"]
	if port == "" {
		port = "587"
	}
	auth := p.SMTPAuth
	if auth == nil {
		auth = smtpLogin
	}
	return auth(ctx, net.JoinHostPort(host, port), public["email"], secrets["app_password"])
}

// smtpLogin STARTTLS 后执行 AUTH PLAIN
func smtpLogin(ctx context.Context, addr, username, password string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if err := c.Auth(smtp.PlainAuth("", username, password, host)); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	return c.Quit()
}

func (p *DefaultProber) probeGroq(ctx context.Context, public, secrets map[string]string) error {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: secrets["api_key"], TokenType: "Bearer"})
	client := oauth2.NewClient(ctx, ts)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(p.GroqBaseURL, "/")+"/openai/v1/models", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("groq request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("groq API error [%d]", resp.StatusCode)
	}

	model := public["model"]
	if model == "" {
		return nil
	}
	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("decode models: %w", err)
	}
	for _, m := range list.Data {
		if m.ID == model {
			return nil
		}
	}
	return fmt.Errorf("model %q is not available for this key", model)
}
