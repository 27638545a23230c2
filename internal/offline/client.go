package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

// SaleProcessor submits one sale to the store server. Implementations must
// map permanent rejections onto the store sentinels so the reconciler can
// tell them apart from transient failures.
type SaleProcessor interface {
	Submit(ctx context.Context, sale domain.SaleRequest) (*domain.SaleResponse, error)
}

// HTTPProcessor submits sales to the server's checkout endpoint with the
// terminal's bearer token.
type HTTPProcessor struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPProcessor(baseURL string, token string) *HTTPProcessor {
	return &HTTPProcessor{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *HTTPProcessor) Submit(ctx context.Context, sale domain.SaleRequest) (*domain.SaleResponse, error) {
	payload, err := json.Marshal(sale)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/v1/sales", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", sale.TransactionNumber, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		var saleResp domain.SaleResponse
		if err := json.Unmarshal(body, &saleResp); err != nil {
			return nil, fmt.Errorf("submit %s: decode response: %w", sale.TransactionNumber, err)
		}
		return &saleResp, nil
	case http.StatusConflict:
		// 409 covers two very different outcomes: out of stock, and a
		// replay race where the sale is already on the server. The body
		// code tells them apart; a duplicate must never be parked as a
		// stock conflict.
		code, msg := serverRejection(body)
		if code == "duplicate_transaction" {
			return nil, fmt.Errorf("%w: %s", store.ErrDuplicateTransaction, msg)
		}
		return nil, fmt.Errorf("%w: %s", store.ErrInsufficientStock, msg)
	case http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", store.ErrInvalidSale, serverMessage(body))
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, serverMessage(body))
	default:
		// 5xx, auth expiry, proxies: all retryable from the terminal's
		// point of view.
		return nil, fmt.Errorf("submit %s: server status %d: %s", sale.TransactionNumber, resp.StatusCode, serverMessage(body))
	}
}

func serverRejection(body []byte) (code string, message string) {
	var parsed struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return parsed.Code, parsed.Error
	}
	return "", string(body)
}

func serverMessage(body []byte) string {
	_, message := serverRejection(body)
	return message
}
