package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

var (
	errBadCredentials = errors.New("invalid username or password")
	errUnauthorized   = errors.New("unauthorized")
)

type actorContextKey struct{}

// UserStore is the slice of the repository the auth manager needs.
type UserStore interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type AuthManager struct {
	users    UserStore
	secret   []byte
	tokenTTL time.Duration
}

func NewAuthManager(users UserStore, secret string, tokenTTL time.Duration) *AuthManager {
	if tokenTTL == 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		users:    users,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
	}
}

type accessClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (*domain.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || req.Password == "" {
		return nil, errBadCredentials
	}

	account, err := a.findUser(ctx, username)
	if err != nil {
		// Burn a bcrypt comparison anyway so a missing user costs the
		// same as a wrong password.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$000000000000000000000uGZLKYyMGyUr5PhC3x4Gx0M6hC6vO1EK"), []byte(req.Password))
		return nil, errBadCredentials
	}
	if !account.Active {
		return nil, errBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.Password), []byte(req.Password)); err != nil {
		return nil, errBadCredentials
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims{
		Role: account.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.Username,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return nil, err
	}

	return &domain.LoginResponse{
		AccessToken: signed,
		Role:        account.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) verify(tokenString string) (*domain.Actor, error) {
	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errUnauthorized
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, errUnauthorized
	}
	return &domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

// requireAuth authenticates the bearer token and stores the actor on the
// request context. roles, when non-empty, restricts who may pass.
func (a *AuthManager) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		actor, err := a.verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if len(roles) > 0 {
			allowed := false
			for _, role := range roles {
				if actor.Role == role {
					allowed = true
					break
				}
			}
			if !allowed {
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}
		}
		ctx := context.WithValue(r.Context(), actorContextKey{}, *actor)
		next(w, r.WithContext(ctx))
	}
}

func actorFrom(r *http.Request) domain.Actor {
	if actor, ok := r.Context().Value(actorContextKey{}).(domain.Actor); ok {
		return actor
	}
	return domain.Actor{}
}

func (a *AuthManager) findUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	users, err := a.users.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for _, user := range users {
		if user.Username == username {
			found := user
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

// CreateCashier registers a new cashier account with a bcrypt-hashed
// password.
func (a *AuthManager) CreateCashier(ctx context.Context, req domain.CashierCreateRequest) error {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 3 || len(req.Password) < 8 {
		return store.ErrInvalidSale
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	err = a.users.CreateUser(ctx, domain.UserAccount{
		Username: username,
		Password: string(hash),
		Role:     "cashier",
		Active:   true,
	})
	if err == nil {
		log.Printf("[auth] cashier %q created", username)
	}
	return err
}
