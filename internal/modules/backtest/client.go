package backtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

// Scorer evaluates a decoded combination over a window and returns the
// annualized return (CAGR). Implementations must respect ctx cancellation.
type Scorer interface {
	Score(ctx context.Context, combo *Combination, window Window) (float64, error)
}

// Client is an HTTP client for the backtest microservice.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// ServiceResponse is the standard response envelope from the microservice.
type ServiceResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *string         `json:"error"`
	Timestamp string          `json:"timestamp"`
}

// NewClient creates a backtest service client. The per-request deadline is
// carried by the caller's context, so the underlying http.Client sets no
// timeout of its own.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{},
		log:     log.With().Str("client", "backtest").Logger(),
	}
}

// scoreRequest is the wire shape of a scoring call.
type scoreRequest struct {
	Combination *Combination `json:"combination"`
	Window      Window       `json:"window"`
}

// scoreResponse is the data payload of a successful scoring call.
type scoreResponse struct {
	CAGR float64 `json:"cagr"`
}

// Score posts the combination to the service and returns its CAGR. Every
// failure comes back as a *ScoringError; deadline expiry sets Timeout.
func (c *Client) Score(ctx context.Context, combo *Combination, window Window) (float64, error) {
	resp, err := c.post(ctx, "/api/backtest/cagr", scoreRequest{
		Combination: combo,
		Window:      window,
	})
	if err != nil {
		return 0, &ScoringError{
			Op:      "score",
			Timeout: isDeadline(ctx, err),
			Err:     err,
		}
	}

	var result scoreResponse
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return 0, &ScoringError{Op: "score", Err: fmt.Errorf("failed to parse score: %w", err)}
	}
	return result.CAGR, nil
}

// HealthCheck probes the service.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

func (c *Client) post(ctx context.Context, endpoint string, request interface{}) (*ServiceResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

func (c *Client) get(ctx context.Context, endpoint string) (*ServiceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*ServiceResponse, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("url", req.URL.String()).Msg("Backtest service request failed")
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		c.log.Warn().
			Int("status", resp.StatusCode).
			Str("body", string(bodyBytes)).
			Msg("Backtest service returned error")
		return nil, fmt.Errorf("service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return parseResponse(resp)
}

func parseResponse(resp *http.Response) (*ServiceResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result ServiceResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if !result.Success {
		errMsg := "unknown error"
		if result.Error != nil {
			errMsg = *result.Error
		}
		return &result, fmt.Errorf("service error: %s", errMsg)
	}

	return &result, nil
}

func isDeadline(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded)
}
