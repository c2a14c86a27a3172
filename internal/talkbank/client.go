// Package talkbank is an HTTP client for the bank partner that binds
// self-employed workers, registers their income and pays them out.
package talkbank

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const authScheme = "TB1-HMAC-SHA256"

// Config holds partner credentials.
type Config struct {
	BaseURL   string
	PartnerID string
	Secret    string
	Timeout   time.Duration
}

// Client signs and sends bank partner requests.
type Client struct {
	baseURL    string
	partnerID  string
	secret     []byte
	httpClient *http.Client
	now        func() time.Time
}

// New constructs a client. A zero timeout defaults to 30 seconds.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("talkbank: base url is empty")
	}
	if cfg.PartnerID == "" || cfg.Secret == "" {
		return nil, errors.New("talkbank: partner credentials are empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		partnerID:  cfg.PartnerID,
		secret:     []byte(cfg.Secret),
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}, nil
}

// Sign returns the hex HMAC-SHA256 signature of a request.
func Sign(secret []byte, method, path string, query url.Values, date string, body []byte) string {
	sum := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(sum[:])
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(query.Encode())
	b.WriteByte('\n')
	b.WriteString("date:" + date)
	b.WriteByte('\n')
	b.WriteString("tb-content-sha256:" + bodyHash)
	b.WriteByte('\n')
	b.WriteString(bodyHash)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any, headers map[string]string) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("talkbank: encode %s %s: %w", method, path, err)
		}
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	date := c.now().UTC().Format(http.TimeFormat)
	sum := sha256.Sum256(body)
	req.Header.Set("Date", date)
	req.Header.Set("TB-Content-SHA256", hex.EncodeToString(sum[:]))
	req.Header.Set("Authorization", fmt.Sprintf("%s %s:%s", authScheme, c.partnerID, Sign(c.secret, method, path, query, date, body)))
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("talkbank: %s %s: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("talkbank: read %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		if eb.Description == "" && eb.Message == "" && len(eb.Errors) == 0 {
			eb.Description = strings.TrimSpace(string(raw))
		}
		return newError(resp.StatusCode, eb)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("talkbank: decode %s %s: %w", method, path, err)
	}
	return nil
}
