// pin.go: PIN gate for mutating endpoints.
// The client sends the shared PIN in X-Upload-Pin. Repeated failures from
// one client address lock it out for a while; failure counters live in an
// expiring LRU so the table cannot grow without bound.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/BrettSwaim/skylight-photos/internal/api/errors"
)

// PINHeader carries the upload PIN.
const PINHeader = "X-Upload-Pin"

// maxTrackedClients caps the failure table.
const maxTrackedClients = 4096

var pinChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sp_pin_checks_total",
	Help: "PIN verifications by result",
}, []string{"result"})

// PINAuth verifies the shared upload PIN.
type PINAuth struct {
	pin         []byte
	maxFailures int

	mu       sync.Mutex
	failures *expirable.LRU[string, int]
	logger   *slog.Logger
}

// NewPINAuth creates a PIN gate. After maxFailures wrong PINs a client is
// refused for lockout; every new failure restarts that window.
func NewPINAuth(pin string, maxFailures int, lockout time.Duration, logger *slog.Logger) *PINAuth {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &PINAuth{
		pin:         []byte(pin),
		maxFailures: maxFailures,
		failures:    expirable.NewLRU[string, int](maxTrackedClients, nil, lockout),
		logger:      logger.With(slog.String("component", "pin_auth")),
	}
}

// PINResult is the outcome of a verification.
type PINResult int

const (
	PINValid PINResult = iota
	PINInvalid
	PINLocked
)

// Verify checks pin for the given client key and updates its failure count.
func (a *PINAuth) Verify(client, pin string) PINResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	count, _ := a.failures.Get(client)
	if count >= a.maxFailures {
		pinChecksTotal.WithLabelValues("locked").Inc()
		return PINLocked
	}

	if subtle.ConstantTimeCompare([]byte(pin), a.pin) == 1 {
		a.failures.Remove(client)
		pinChecksTotal.WithLabelValues("valid").Inc()
		return PINValid
	}

	count++
	a.failures.Add(client, count)
	pinChecksTotal.WithLabelValues("invalid").Inc()
	if count >= a.maxFailures {
		a.logger.Warn("Client locked out after repeated PIN failures",
			slog.String("client", client),
			slog.Int("failures", count),
		)
	}
	return PINInvalid
}

// Middleware rejects requests without a valid PIN header.
func (a *PINAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pin := r.Header.Get(PINHeader)
			if pin == "" {
				apierrors.Unauthorized(w, "Missing "+PINHeader+" header")
				return
			}

			switch a.Verify(ClientKey(r), pin) {
			case PINValid:
				next.ServeHTTP(w, r)
			case PINLocked:
				apierrors.TooManyAttempts(w, "Too many failed PIN attempts, try again later")
			default:
				apierrors.Forbidden(w, "Invalid PIN")
			}
		})
	}
}

// ClientKey identifies the caller for lockout purposes: the remote IP
// without the port.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
