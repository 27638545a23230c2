// Package httpapi exposes the store server over HTTP: auth, catalog, stock
// operations, checkout, and the offline sync endpoint terminals replay
// their queues against.
package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"retailpos/internal/domain"
	"retailpos/internal/ledger"
	"retailpos/internal/sales"
	"retailpos/internal/store"
)

const maxBodyBytes = 1 << 20

// Paths that carry their own protection (credentials or bearer tokens from
// non-browser terminals) and skip the CSRF check.
var csrfExempt = map[string]bool{
	"/api/v1/auth/login": true,
	"/api/v1/sales":      true,
	"/api/v1/sales/sync": true,
}

type Server struct {
	repo          store.Repository
	ledger        *ledger.Service
	sales         *sales.Service
	auth          *AuthManager
	allowedOrigin string
	csrfSecret    []byte
	loginLimiter  *attemptLimiter
}

func NewServer(repo store.Repository, ledgerSvc *ledger.Service, salesSvc *sales.Service, auth *AuthManager, allowedOrigin string, csrfSecret string) *Server {
	return &Server{
		repo:          repo,
		ledger:        ledgerSvc,
		sales:         salesSvc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		csrfSecret:    []byte(csrfSecret),
		loginLimiter:  newAttemptLimiter(8, time.Minute),
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/v1/csrf", s.handleCSRFToken)

	mux.HandleFunc("GET /api/v1/products", s.auth.requireAuth(s.handleListProducts))
	mux.HandleFunc("POST /api/v1/products", s.auth.requireAuth(s.handleCreateProduct, "admin"))
	mux.HandleFunc("PUT /api/v1/products/{id}", s.auth.requireAuth(s.handleUpdateProduct, "admin"))

	mux.HandleFunc("POST /api/v1/stock/adjust", s.auth.requireAuth(s.handleAdjustStock, "admin"))
	mux.HandleFunc("GET /api/v1/stock/movements", s.auth.requireAuth(s.handleListMovements, "admin"))

	mux.HandleFunc("POST /api/v1/sales", s.auth.requireAuth(s.handleCreateSale))
	mux.HandleFunc("GET /api/v1/sales/lookup", s.auth.requireAuth(s.handleLookupSale))
	mux.HandleFunc("POST /api/v1/sales/void", s.auth.requireAuth(s.handleVoidSale, "admin"))
	mux.HandleFunc("POST /api/v1/sales/sync", s.auth.requireAuth(s.handleSyncBatch))

	mux.HandleFunc("POST /api/v1/cashiers", s.auth.requireAuth(s.handleCreateCashier, "admin"))

	return s.securityHeaders(s.cors(s.csrfGuard(mux)))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.loginLimiter.allow(ip) {
		writeError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.auth.Login(r.Context(), req)
	if err != nil {
		log.Printf("[httpapi] WARN: failed login for %q from %s", req.Username, ip)
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"token": s.csrfToken(time.Now().UTC())})
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.repo.ListProducts(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	product, err := s.repo.CreateProduct(r.Context(), domain.Product{
		Name:          strings.TrimSpace(req.Name),
		PriceCents:    req.PriceCents,
		StockQuantity: req.InitialStock,
		MinStockLevel: req.MinStockLevel,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (s *Server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	current, err := s.repo.GetProductByID(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	var req domain.ProductUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name != nil {
		current.Name = strings.TrimSpace(*req.Name)
	}
	if req.PriceCents != nil {
		current.PriceCents = *req.PriceCents
	}
	if req.MinStockLevel != nil {
		current.MinStockLevel = *req.MinStockLevel
	}
	if req.Active != nil {
		current.Active = *req.Active
	}

	updated, err := s.repo.UpdateProduct(r.Context(), *current)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAdjustStock(w http.ResponseWriter, r *http.Request) {
	var req domain.StockAdjustRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	movement, err := s.ledger.Adjust(r.Context(), req)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.StockAdjustResponse{Movement: *movement})
}

func (s *Server) handleListMovements(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	movements, err := s.ledger.Movements(r.Context(), r.URL.Query().Get("product_id"), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (s *Server) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.sales.ProcessSale(r.Context(), actorFrom(r), req)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleLookupSale(w http.ResponseWriter, r *http.Request) {
	resp, err := s.sales.LookupByNumber(r.Context(), r.URL.Query().Get("transaction_number"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVoidSale(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidSaleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.sales.VoidSale(r.Context(), actorFrom(r), req)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.OfflineSyncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.sales.SyncBatch(r.Context(), actorFrom(r), req)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.auth.CreateCashier(r.Context(), req); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

// writeStoreError maps store sentinels onto HTTP statuses. Both conflict
// kinds answer 409, so the machine-readable code is what lets a terminal
// tell "stock ran out" from "this sale already landed".
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidSale):
		writeErrorCode(w, http.StatusBadRequest, "invalid_sale", err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeErrorCode(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, store.ErrInsufficientStock):
		writeErrorCode(w, http.StatusConflict, "insufficient_stock", err.Error())
	case errors.Is(err, store.ErrDuplicateTransaction):
		writeErrorCode(w, http.StatusConflict, "duplicate_transaction", err.Error())
	case errors.Is(err, store.ErrLockTimeout):
		writeErrorCode(w, http.StatusServiceUnavailable, "lock_timeout", "store busy, retry")
	default:
		log.Printf("[httpapi] WARN: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && origin == s.allowedOrigin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-CSRF-Token")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// csrfGuard checks an HMAC token on state-changing browser requests. The
// token is derived from an hour bucket, so the current and previous hour
// both verify.
func (s *Server) csrfGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || csrfExempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-CSRF-Token")
		now := time.Now().UTC()
		if token == "" || (!hmac.Equal([]byte(token), []byte(s.csrfToken(now))) &&
			!hmac.Equal([]byte(token), []byte(s.csrfToken(now.Add(-time.Hour))))) {
			writeError(w, http.StatusForbidden, "missing or invalid csrf token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) csrfToken(at time.Time) string {
	mac := hmac.New(sha256.New, s.csrfSecret)
	fmt.Fprintf(mac, "%s", at.Format("2006010215"))
	return hex.EncodeToString(mac.Sum(nil))
}

// attemptLimiter caps how often one client may hit a sensitive endpoint
// inside a sliding window.
type attemptLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	max      int
	window   time.Duration
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	return &attemptLimiter{
		attempts: make(map[string][]time.Time),
		max:      max,
		window:   window,
	}
}

func (l *attemptLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	kept := l.attempts[key][:0]
	for _, at := range l.attempts[key] {
		if now.Sub(at) < l.window {
			kept = append(kept, at)
		}
	}
	if len(kept) >= l.max {
		l.attempts[key] = kept
		return false
	}
	l.attempts[key] = append(kept, now)
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[httpapi] WARN: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeErrorCode(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
