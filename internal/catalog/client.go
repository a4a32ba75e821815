// Package catalog предоставляет клиент для внешнего каталога товаров по GTIN.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrNotConfigured возвращается, если адрес каталога не задан.
var ErrNotConfigured = errors.New("catalog client not configured")

// Client инкапсулирует HTTP-взаимодействие с каталогом товаров.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Product описывает карточку товара в каталоге.
type Product struct {
	GTIN        string `json:"gtin"`
	Description string `json:"description"`
	Thumbnail   string `json:"thumbnail,omitempty"`
	Brand       *struct {
		Name string `json:"name"`
	} `json:"brand,omitempty"`
	NCM *struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"ncm,omitempty"`
}

// NewClient создаёт HTTP-клиент каталога по указанному адресу.
// Сетевые ошибки и ответы 5xx повторяются транспортом, 429 обрабатывается в Exists.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.CheckRetry = checkRetry

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Configured сообщает, задан ли адрес каталога.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// GetProduct запрашивает карточку товара по GTIN.
// Для 404 возвращается nil без ошибки, для 429 возвращается рекомендуемая пауза.
func (c *Client) GetProduct(ctx context.Context, gtin string) (*Product, int, time.Duration, error) {
	if !c.Configured() {
		return nil, 0, 0, ErrNotConfigured
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/gtins/%s.json", base, gtin)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result Product
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}
	if result.GTIN == "" {
		result.GTIN = gtin
	}

	return &result, resp.StatusCode, 0, nil
}

// Exists проверяет наличие GTIN в каталоге. При 429 ждёт указанную паузу и повторяет запрос один раз.
func (c *Client) Exists(ctx context.Context, gtin string) (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		product, code, retryAfter, err := c.GetProduct(ctx, gtin)
		if err != nil {
			return false, err
		}
		if code != http.StatusTooManyRequests {
			return product != nil, nil
		}
		if retryAfter <= 0 {
			retryAfter = time.Second
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(retryAfter):
		}
	}

	return false, fmt.Errorf("catalog rate limit exceeded for %s", gtin)
}
