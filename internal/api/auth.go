package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/ovms-bridge/internal/auth"
)

// ticketTTL is how long a WebSocket ticket is valid.
const ticketTTL = 60 * time.Second

// ticketBytes is the number of random bytes used for WebSocket tickets.
const ticketBytes = 32

// authEnabled reports whether a JWT secret is configured.
func (s *Server) authEnabled() bool {
	return s.secCfg.JWT.Secret != ""
}

// authMiddleware requires a valid HS256 bearer token when a secret is
// configured. The token subject is stored in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		subject, err := s.verifyBearer(r.Header.Get("Authorization"))
		if err != nil {
			s.logger.Debug("rejected API request", "path", r.URL.Path, "error", err)
			writeUnauthorized(w, "invalid or missing token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeySubject, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// verifyBearer parses an "Authorization: Bearer <jwt>" header value and
// returns the token subject.
func (s *Server) verifyBearer(header string) (string, error) {
	claims, err := auth.ParseBearer(header, s.secCfg.JWT.Secret)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// ticketStore holds single-use WebSocket tickets.
type ticketStore struct {
	mu      sync.Mutex
	tickets map[string]time.Time // ticket -> expiry
	now     func() time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]time.Time), now: time.Now}
}

func (t *ticketStore) issue() string {
	// crypto/rand does not fail on supported platforms.
	ticket, _ := auth.RandomToken(ticketBytes)

	t.mu.Lock()
	t.tickets[ticket] = t.now().Add(ticketTTL)
	t.mu.Unlock()
	return ticket
}

// redeem consumes a ticket and reports whether it was valid.
func (t *ticketStore) redeem(ticket string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	expires, ok := t.tickets[ticket]
	if !ok {
		return false
	}
	delete(t.tickets, ticket)
	return t.now().Before(expires)
}

func (t *ticketStore) clean() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for ticket, expires := range t.tickets {
		if now.After(expires) {
			delete(t.tickets, ticket)
		}
	}
}

// handleWSTicket issues a ticket for the event stream. It sits behind the
// auth middleware, so only token holders get one.
func (s *Server) handleWSTicket(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     s.tickets.issue(),
		"expires_in": int(ticketTTL.Seconds()),
	})
}

func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickets.clean()
		}
	}
}
