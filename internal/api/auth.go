package api

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/micasa-home/micasa/internal/database"
)

// User rights levels. A device's minimum_user_rights setting is compared
// against the caller's level.
const (
	RightsViewer    = 1
	RightsUser      = 2
	RightsInstaller = 3
	RightsAdmin     = 4
)

// tokenTTL is how long a login token stays valid without renewal.
const tokenTTL = 24 * time.Hour

type session struct {
	userID  int64
	rights  int
	expires time.Time
}

type authState struct {
	db *database.DB

	mu     sync.Mutex
	tokens map[string]session
}

func newAuthState(db *database.DB) *authState {
	return &authState{db: db, tokens: make(map[string]session)}
}

func hashPassword(pw string) string {
	sum := sha256.Sum256([]byte(pw))
	return hex.EncodeToString(sum[:])
}

func newToken() string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// login validates credentials and issues a token.
func (a *authState) login(r *http.Request, username, password string) (string, session, error) {
	row, err := database.Row(r.Context(), a.db,
		"SELECT id, rights FROM users WHERE username = ? AND password = ? AND enabled = 1",
		username, hashPassword(password))
	if errors.Is(err, database.ErrNoResults) {
		return "", session{}, errForbidden("invalid credentials")
	}
	if err != nil {
		return "", session{}, err
	}
	id, _ := row["id"].(int64)
	rights, _ := row["rights"].(int64)
	s := session{userID: id, rights: int(rights), expires: time.Now().Add(tokenTTL)}
	token := newToken()
	a.mu.Lock()
	a.tokens[token] = s
	a.mu.Unlock()
	return token, s, nil
}

// sessionFor resolves the bearer token, renewing its expiry.
func (a *authState) sessionFor(r *http.Request) (session, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return session{}, false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.tokens[token]
	if !ok || time.Now().After(s.expires) {
		delete(a.tokens, token)
		return session{}, false
	}
	s.expires = time.Now().Add(tokenTTL)
	a.tokens[token] = s
	return s, true
}

// open reports whether the instance runs without accounts: as long as the
// users table is empty every request is treated as admin, which is how a
// fresh install bootstraps its first user.
func (a *authState) open(r *http.Request) bool {
	n, err := database.Value[int64](r.Context(), a.db, "SELECT COUNT(*) FROM users WHERE enabled = 1")
	return err == nil && n == 0
}

type ctxKey int

const sessionKey ctxKey = 0

// middleware enforces authentication on the protected routes.
func (a *authState) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s, ok := a.sessionFor(r); ok {
			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), s)))
			return
		}
		if a.open(r) {
			s := session{rights: RightsAdmin, expires: time.Now().Add(tokenTTL)}
			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), s)))
			return
		}
		writeError(w, ResourceError{Code: http.StatusUnauthorized, Tag: "not.authorized", Message: "login required"})
	})
}

func withSession(ctx context.Context, s session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

func sessionFromContext(ctx context.Context) session {
	s, _ := ctx.Value(sessionKey).(session)
	return s
}
