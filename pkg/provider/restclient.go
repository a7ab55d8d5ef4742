package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

type RESTClient struct {
	baseURL    string
	key        string
	secret     string
	httpClient *http.Client
}

func NewRESTClient(baseURL, key, secret string, timeout time.Duration) *RESTClient {
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		key:        key,
		secret:     secret,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetSymbols fetches the active, tradable symbol universe, sorted.
func (c *RESTClient) GetSymbols(ctx context.Context) ([]string, error) {
	var assets []Asset
	if _, err := c.get(ctx, "/v2/assets?status=active", &assets); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var symbols []string
	for _, a := range assets {
		if !a.Tradable || a.Status == "inactive" || seen[a.Symbol] {
			continue
		}
		seen[a.Symbol] = true
		symbols = append(symbols, a.Symbol)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// LatestBar returns the most recent historical bar for symbol. ok is false if
// the provider has no bars for it.
func (c *RESTClient) LatestBar(ctx context.Context, symbol string) (Bar, bool, error) {
	endpoint := fmt.Sprintf("/v2/stocks/%s/bars/latest", url.PathEscape(symbol))

	var resp latestBarResponse
	found, err := c.get(ctx, endpoint, &resp)
	if err != nil || !found {
		return Bar{}, false, err
	}
	if len(resp.Bar) == 0 || bytes.Equal(resp.Bar, []byte("null")) {
		return Bar{}, false, nil
	}

	var bar Bar
	if err := json.Unmarshal(resp.Bar, &bar); err != nil {
		return Bar{}, false, fmt.Errorf("decode bar: %w", err)
	}
	if bar.Timestamp.IsZero() {
		return Bar{}, false, nil
	}
	bar.Timestamp = bar.Timestamp.UTC()
	return bar, true, nil
}

// LastBarTime reports where the historical series of symbol ends, in UTC.
func (c *RESTClient) LastBarTime(ctx context.Context, symbol string) (time.Time, bool, error) {
	bar, ok, err := c.LatestBar(ctx, symbol)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest bar %s: %w", symbol, err)
	}
	return bar.Timestamp, ok, nil
}

// get decodes the JSON body of GET path into out. found is false on 404.
func (c *RESTClient) get(ctx context.Context, path string, out any) (found bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.key != "" {
		req.Header.Set("APCA-API-KEY-ID", c.key)
		req.Header.Set("APCA-API-SECRET-KEY", c.secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var apiErr errorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return false, fmt.Errorf("provider error %d: %s", resp.StatusCode, apiErr.Message)
		}
		return false, fmt.Errorf("provider error %d: %s", resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}
