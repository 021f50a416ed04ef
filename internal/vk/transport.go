package vk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Transport performs one already-authenticated provider call. The dispatch
// queue and retry policy live above this layer; implementations stay pure.
type Transport interface {
	Post(ctx context.Context, method string, params url.Values) (json.RawMessage, error)
}

const (
	defaultEndpoint   = "https://api.vk.com/method"
	defaultAPIVersion = "5.199"
	defaultTimeout    = 30 * time.Second

	// Response bodies larger than this indicate something is badly wrong;
	// a full 1000-member page with names stays well under 1 MiB.
	maxResponseBytes = 8 << 20
)

type HTTPConfig struct {
	Token    string
	Version  string
	Endpoint string
	Timeout  time.Duration
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	if strings.TrimSpace(c.Version) == "" {
		c.Version = defaultAPIVersion
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		c.Endpoint = defaultEndpoint
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// HTTPTransport posts form-encoded method calls to the VK API and unwraps
// the {response} | {error} envelope.
type HTTPTransport struct {
	cfg  HTTPConfig
	http *http.Client
}

func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	cfg = cfg.withDefaults()
	return &HTTPTransport{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type envelope struct {
	Response json.RawMessage `json:"response"`
	Error    *payloadError   `json:"error"`
}

type payloadError struct {
	Code    int             `json:"error_code"`
	Message string          `json:"error_msg"`
	Data    json.RawMessage `json:"error_data"`
}

func (t *HTTPTransport) Post(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	form := url.Values{}
	for k, vs := range params {
		form[k] = append([]string(nil), vs...)
	}
	form.Set("access_token", t.cfg.Token)
	form.Set("v", t.cfg.Version)

	endpoint := strings.TrimRight(t.cfg.Endpoint, "/") + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, NewTransportError(method, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, NewTransportError(method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, NewTransportError(method, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, NewTransportError(method, fmt.Errorf("http status %d", resp.StatusCode))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, NewTransportError(method, fmt.Errorf("malformed response: %w", err))
	}
	if env.Error != nil {
		hint, ok := env.Error.retryHint()
		return nil, NewProviderError(method, env.Error.Code, env.Error.Message, hint, ok)
	}
	if len(env.Response) == 0 {
		return nil, NewTransportError(method, errors.New("response field missing"))
	}
	return env.Response, nil
}

// retryHint digs an optional machine-readable delay out of error_data.
// Seconds arrive as a JSON number or a numeric string.
func (e *payloadError) retryHint() (time.Duration, bool) {
	if len(e.Data) == 0 {
		return 0, false
	}
	var data map[string]any
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return 0, false
	}
	v, ok := data["retry_after"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, false
		}
		return time.Duration(n * float64(time.Second)), true
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(n) + "s")
		if err != nil || d < 0 {
			return 0, false
		}
		return d, true
	default:
		return 0, false
	}
}
