// Package client talks to a running fraud scoring server.
package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fraudguard/internal/api"
	"fraudguard/internal/features"
	"fraudguard/internal/ml"

	"github.com/go-resty/resty/v2"
)

// Client calls the prediction API. Input errors reported by the server come back as
// *ml.ValidationError or *ml.UnknownCategoryError, like a local pipeline's.
type Client struct {
	base string
	rest *resty.Client
}

func New(base string, timeout time.Duration) *Client {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second) // default fallback
	}
	r.SetHeader("Accept", "application/json")
	return &Client{base: strings.TrimRight(base, "/"), rest: r}
}

// APIError is a non-2xx answer that does not map onto an input error.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fraud API: %d %s: %s", e.Status, e.Kind, e.Message)
}

func toError(status int, body *api.ErrorResponse, raw string) error {
	if body == nil || body.Kind == "" {
		return &APIError{Status: status, Kind: "unknown", Message: strings.TrimSpace(raw)}
	}
	switch body.Kind {
	case "validation":
		return &ml.ValidationError{Field: body.Field, Value: body.Value, Reason: body.Error}
	case "unknown_category":
		return &ml.UnknownCategoryError{Field: body.Field, Value: fmt.Sprint(body.Value)}
	}
	return &APIError{Status: status, Kind: body.Kind, Message: body.Error}
}

// Predict scores tx on the server.
func (c *Client) Predict(ctx context.Context, tx features.Transaction) (api.PredictionResponse, error) {
	var (
		result api.PredictionResponse
		apiErr api.ErrorResponse
	)
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(tx).
		SetResult(&result).
		SetError(&apiErr).
		Post(c.base + "/predict")
	if err != nil {
		return api.PredictionResponse{}, fmt.Errorf("request failed: %w", err)
	}
	if resp.IsError() {
		return api.PredictionResponse{}, toError(resp.StatusCode(), &apiErr, resp.String())
	}
	return result, nil
}

// PredictTransaction lets the client stand in for a local pipeline.
func (c *Client) PredictTransaction(tx features.Transaction) (ml.PredictionResult, error) {
	resp, err := c.Predict(context.Background(), tx)
	if err != nil {
		return ml.PredictionResult{}, err
	}
	return resp.PredictionResult, nil
}

// Health returns the server's health document.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	return c.getMap(ctx, "/health")
}

// ModelInfo returns metadata about the server's loaded model.
func (c *Client) ModelInfo(ctx context.Context) (map[string]any, error) {
	return c.getMap(ctx, "/model/info")
}

func (c *Client) getMap(ctx context.Context, path string) (map[string]any, error) {
	var out map[string]any
	resp, err := c.rest.R().
		SetContext(ctx).
		SetResult(&out).
		Get(c.base + path)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, &APIError{Status: resp.StatusCode(), Kind: "http", Message: resp.String()}
	}
	return out, nil
}

var _ ml.TransactionPredictor = (*Client)(nil)
