package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"retailpos/internal/domain"
)

func TestLoginRejectsBadCredentials(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Routes()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: "admin",
		Password: "wrong",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSaleEndpointRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Routes()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", "", domain.SaleRequest{}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAdjustStockRequiresAdminAndCSRF(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Routes()

	cashierToken := login(t, handler, "kasir", "kasir-pass")
	adminToken := login(t, handler, "admin", "admin-pass")

	csrf := srv.csrfToken(time.Now().UTC())
	adjust := domain.StockAdjustRequest{ProductID: "p1", Delta: 5, Reason: domain.MovementReasonStockIn}

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/stock/adjust", adminToken, adjust, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf token, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/stock/adjust", cashierToken, adjust, map[string]string{"X-CSRF-Token": csrf})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/stock/adjust", adminToken, adjust, map[string]string{"X-CSRF-Token": csrf})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp domain.StockAdjustResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Movement.BalanceAfter != 15 {
		t.Fatalf("expected balance 15, got %d", resp.Movement.BalanceAfter)
	}
}

func TestSyncEndpointSkipsCSRF(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Routes()
	token := login(t, handler, "kasir", "kasir-pass")

	// Terminals authenticate with bearer tokens only; the sync path must
	// not demand a browser CSRF token.
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales/sync", token, domain.OfflineSyncRequest{
		TerminalID: "terminal-1",
		EnvelopeID: "env-csrf",
		Sales: []domain.OfflineSale{{
			OfflineID: "off-1",
			Sale: domain.SaleRequest{
				TransactionNumber: "tx-csrf-1",
				Items:             []domain.SaleItemInput{{ProductID: "p1", Qty: 1, UnitPriceCents: 1000}},
				PaymentMethod:     "cash",
				SubtotalCents:     1000,
				TotalCents:        1000,
			},
		}},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLoginRateLimited(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Routes()

	var last int
	for i := 0; i < 10; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
			Username: "admin",
			Password: fmt.Sprintf("wrong-%d", i),
		}, nil)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after repeated attempts, got %d", last)
	}
}

func TestSecurityHeadersPresent(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Routes()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/healthz", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing frame options header")
	}
}
