// Package bybit implements broker.Exchange on the Bybit V5 REST API for
// USDT linear perpetuals. The same client serves mainnet and testnet; the
// public market endpoints work without credentials.
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

const (
	MainnetURL = "https://api.bybit.com"
	TestnetURL = "https://api-testnet.bybit.com"

	categoryLinear = "linear"

	codeLeverageNotModified = 110043
)

type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	BaseURL    string
	RecvWindow time.Duration
	Timeout    time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	out.BaseURL = strings.TrimRight(strings.TrimSpace(out.BaseURL), "/")
	if out.BaseURL == "" {
		out.BaseURL = MainnetURL
		if out.Testnet {
			out.BaseURL = TestnetURL
		}
	}
	if out.RecvWindow <= 0 {
		out.RecvWindow = 5 * time.Second
	}
	if out.Timeout <= 0 {
		out.Timeout = 15 * time.Second
	}
	return out
}

// APIError is a non-zero retCode returned inside a 200 response.
type APIError struct {
	Path    string
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit %s: retCode=%d retMsg=%s", e.Path, e.Code, e.Message)
}

type Client struct {
	cfg  Config
	http *resty.Client
	now  func() time.Time
}

func New(cfg Config) *Client {
	final := cfg.withDefaults()
	httpClient := resty.New()
	httpClient.SetBaseURL(final.BaseURL)
	httpClient.SetTimeout(final.Timeout)
	httpClient.SetHeader("Content-Type", "application/json")
	return &Client{
		cfg:  final,
		http: httpClient,
		now:  time.Now,
	}
}

func (c *Client) HasCredentials() bool {
	return c.cfg.APIKey != "" && c.cfg.APISecret != ""
}

func (c *Client) get(ctx context.Context, path string, query url.Values, signed bool, out any) error {
	queryString := query.Encode()
	req := c.http.R().SetContext(ctx)
	if queryString != "" {
		req.SetQueryString(queryString)
	}
	if signed {
		if err := c.sign(req, queryString); err != nil {
			return err
		}
	}
	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("bybit GET %s: %w", path, err)
	}
	return decodeEnvelope(path, resp, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}
	req := c.http.R().SetContext(ctx).SetBody(payload)
	if err := c.sign(req, string(payload)); err != nil {
		return err
	}
	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("bybit POST %s: %w", path, err)
	}
	return decodeEnvelope(path, resp, out)
}

func (c *Client) sign(req *resty.Request, payload string) error {
	if !c.HasCredentials() {
		return errors.New("bybit credentials are not configured")
	}
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	recvWindow := strconv.FormatInt(c.cfg.RecvWindow.Milliseconds(), 10)
	req.SetHeaders(map[string]string{
		"X-BAPI-API-KEY":     c.cfg.APIKey,
		"X-BAPI-TIMESTAMP":   timestamp,
		"X-BAPI-RECV-WINDOW": recvWindow,
		"X-BAPI-SIGN":        signature(c.cfg.APISecret, timestamp+c.cfg.APIKey+recvWindow+payload),
	})
	return nil
}

func signature(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func decodeEnvelope(path string, resp *resty.Response, out any) error {
	body := resp.Body()
	if resp.IsError() {
		return fmt.Errorf("bybit %s: http %d: %s", path, resp.StatusCode(), strings.TrimSpace(string(body)))
	}
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("bybit %s: invalid json response", path)
	}
	code := gjson.GetBytes(body, "retCode").Int()
	if code != 0 {
		apiErr := &APIError{Path: path, Code: code, Message: gjson.GetBytes(body, "retMsg").String()}
		slog.Warn("bybit api error", "path", path, "code", code, "message", apiErr.Message)
		return apiErr
	}
	if out == nil {
		return nil
	}
	result := gjson.GetBytes(body, "result")
	if !result.Exists() {
		return fmt.Errorf("bybit %s: response has no result", path)
	}
	if err := json.Unmarshal([]byte(result.Raw), out); err != nil {
		return fmt.Errorf("bybit %s: decode result: %w", path, err)
	}
	return nil
}

func parseFloat(value string) float64 {
	if value == "" {
		return 0
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseMillis(value string) time.Time {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
