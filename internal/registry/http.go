package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTP is a registry client for the packages API:
//
//	GET {base}/api/v1/packages/{name}/{version}  200 = visible, 404 = absent
//	PUT {base}/api/v1/packages/{name}/{version}  body is a gzip tarball
type HTTP struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
	Token      string
}

func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		BaseURL:   baseURL,
		Timeout:   timeout,
		UserAgent: "cascade",
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *HTTP) Exists(ctx context.Context, name, version string) (bool, error) {
	err := c.do(ctx, http.MethodGet, c.packagePath(name, version), nil, "")
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, classify("exists "+name+"@"+version, err)
}

func (c *HTTP) Publish(ctx context.Context, req PublishRequest) error {
	var buf bytes.Buffer
	if err := Pack(req.Dir, &buf); err != nil {
		return Permanent("package "+req.Name, err)
	}
	err := c.do(ctx, http.MethodPut, c.packagePath(req.Name, req.Version), &buf, "application/gzip")
	if err != nil {
		return classify("publish "+req.Name+"@"+req.Version, err)
	}
	return nil
}

// classify sorts failures into transient (network, 408, 429, 5xx) and permanent.
func classify(op string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode >= 500:
			return Transient(op, err)
		default:
			return Permanent(op, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return Permanent(op, err)
	}
	return Transient(op, err)
}

func (c *HTTP) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *HTTP) packagePath(name, version string) string {
	return fmt.Sprintf("api/v1/packages/%s/%s", url.PathEscape(name), url.PathEscape(version))
}

func (c *HTTP) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
