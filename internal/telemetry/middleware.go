package telemetry

import (
	"crypto/subtle"
	"net"
	"net/http"
)

// TokenHeader carries the command token on /api/command requests.
const TokenHeader = "X-Rover-Token"

// AuthMiddleware rejects requests whose token header or session_id cookie
// does not match token. Without a token only loopback clients get through.
func AuthMiddleware(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			if !fromLoopback(r) {
				http.Error(w, "commands need telemetry.token for remote clients", http.StatusForbidden)
				return
			}
			next(w, r)
			return
		}
		got := r.Header.Get(TokenHeader)
		if got == "" {
			if c, err := r.Cookie("session_id"); err == nil {
				got = c.Value
			}
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func fromLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
