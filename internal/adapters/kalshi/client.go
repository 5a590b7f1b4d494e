package kalshi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alejandrodnm/kalshimm/internal/domain"
	"golang.org/x/time/rate"
)

const (
	// DefaultRESTBase es la API de producción.
	DefaultRESTBase = "https://api.elections.kalshi.com/trade-api/v2"

	// Rate limits al 60% del tier básico documentado.
	// Lecturas: 20/s → 12/s
	readRatePerSec = 12
	// Escrituras (órdenes y cancelaciones): 10/s → 6/s
	writeRatePerSec = 6

	maxRetries    = 3
	baseRetryWait = 500 * time.Millisecond
)

// Client es el HTTP client autenticado de Kalshi con rate limiting y retries.
type Client struct {
	http         *http.Client
	base         string
	basePath     string // path de base, forma parte del mensaje firmado
	signer       *Signer
	readLimiter  *rate.Limiter
	writeLimiter *rate.Limiter
	retryWait    time.Duration
}

// NewClient crea un Client. Si base está vacío usa producción.
func NewClient(base string, signer *Signer) (*Client, error) {
	if base == "" {
		base = DefaultRESTBase
	}
	base = strings.TrimRight(base, "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("kalshi.NewClient: parse base: %w", err)
	}
	return &Client{
		http:         &http.Client{Timeout: 10 * time.Second},
		base:         base,
		basePath:     u.Path,
		signer:       signer,
		readLimiter:  rate.NewLimiter(readRatePerSec, 5),
		writeLimiter: rate.NewLimiter(writeRatePerSec, 5),
		retryWait:    baseRetryWait,
	}, nil
}

// SetRetryWait cambia la espera base entre reintentos (tests).
func (c *Client) SetRetryWait(d time.Duration) { c.retryWait = d }

// apiError es una respuesta 4xx no reintentable.
type apiError struct {
	Status int
	Body   string
	kind   error
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%v: status %d: %s", e.kind, e.Status, e.Body)
}

func (e *apiError) Unwrap() error { return e.kind }

func classify(status int) error {
	switch status {
	case http.StatusNotFound:
		return domain.ErrOrderNotFound
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	default:
		return domain.ErrOrderRejected
	}
}

// do ejecuta un request autenticado con rate limiting y retries.
// La firma se regenera en cada intento para que el timestamp sea fresco.
// 429 y 5xx se reintentan; el resto de 4xx se devuelve al momento.
func (c *Client) do(ctx context.Context, method, path string, reqBody, out any) error {
	limiter := c.readLimiter
	if method != http.MethodGet {
		limiter = c.writeLimiter
	}

	var payload []byte
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		payload = b
	}

	var lastStatus int
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		headers, err := c.signer.Headers(method, c.basePath+path)
		if err != nil {
			return err
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
		if err != nil {
			return fmt.Errorf("new request: %w", err)
		}
		req.Header = headers
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil || attempt == maxRetries {
				return fmt.Errorf("request failed after %d attempts: %w", attempt+1, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		lastStatus = resp.StatusCode

		if resp.StatusCode == http.StatusTooManyRequests {
			slog.Warn("kalshi: rate limited", "path", path, "attempt", attempt+1)
			if attempt == maxRetries {
				break
			}
			c.sleep(ctx, attempt)
			continue
		}
		if resp.StatusCode >= 500 {
			if attempt == maxRetries {
				return fmt.Errorf("server error %d: %s", resp.StatusCode, respBody)
			}
			c.sleep(ctx, attempt)
			continue
		}
		if resp.StatusCode >= 400 {
			return &apiError{Status: resp.StatusCode, Body: string(respBody), kind: classify(resp.StatusCode)}
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	if lastStatus == http.StatusTooManyRequests {
		return fmt.Errorf("%w: exhausted %d retries", domain.ErrRateLimited, maxRetries)
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

// sleep espera con backoff exponencial, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.retryWait
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
