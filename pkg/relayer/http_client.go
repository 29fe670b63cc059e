// Copyright 2025 Signal ID
//
// HTTP relayer client.
// Wire contract: POST {base}/submit with the batch payload returns
// {"transaction_id": ...}; GET {base}/status/{id} returns the TxStatus.

package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// HTTPRelayer talks to an external relayer service
type HTTPRelayer struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *log.Logger
}

// HTTPRelayerConfig holds relayer client configuration
type HTTPRelayerConfig struct {
	BaseURL string
	Token   string // bearer token, optional
	Timeout time.Duration
	Logger  *log.Logger
}

// NewHTTPRelayer creates a relayer client
func NewHTTPRelayer(cfg *HTTPRelayerConfig) (*HTTPRelayer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("relayer base URL cannot be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[Relayer] ", log.LstdFlags)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRelayer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

type submitResponse struct {
	TransactionID string `json:"transaction_id"`
}

// Submit hands a batch to the relayer
func (r *HTTPRelayer) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/submit", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build submit request: %w", err)
	}
	r.setHeaders(httpReq)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("relayer submit failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read relayer response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%w: status %d: %s", ErrSubmitRejected, resp.StatusCode, string(payload))
	default:
		return "", fmt.Errorf("relayer returned status %d: %s", resp.StatusCode, string(payload))
	}

	var result submitResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", fmt.Errorf("failed to decode relayer response: %w", err)
	}
	if result.TransactionID == "" {
		return "", fmt.Errorf("relayer returned empty transaction id")
	}

	r.logger.Printf("Submitted %s batch %s -> tx %s", req.Kind, req.PostRoot.Hex(), result.TransactionID)
	return result.TransactionID, nil
}

// Status reports the mining state of a transaction
func (r *HTTPRelayer) Status(ctx context.Context, transactionID string) (*TxStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/status/"+transactionID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}
	r.setHeaders(httpReq)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("relayer status failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read relayer response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrTransactionUnknown
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relayer returned status %d: %s", resp.StatusCode, string(payload))
	}

	var status TxStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("failed to decode relayer status: %w", err)
	}
	return &status, nil
}

func (r *HTTPRelayer) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
}
