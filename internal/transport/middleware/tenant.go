// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/exception-runtime/internal/auth"
)

const (
	HeaderTenantID = "X-Tenant-ID"

	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRetryAfter         = "Retry-After"

	maxTenantIDLength = 128
)

// TenantScope requires the X-Tenant-ID header, stores the tenant on the
// request context and applies a per-tenant request budget. A non-positive
// ratePerMinute disables limiting. A nil limiter keeps budgets in process.
// Limiter errors let the request through.
func TenantScope(ratePerMinute int, limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	if limiter == nil {
		limiter = newMemoryRateLimiter()
	}
	return tenantScopeWithLimiter(ratePerMinute, limiter, time.Now, logger)
}

func tenantScopeWithLimiter(
	ratePerMinute int,
	limiter RateLimiter,
	now func() time.Time,
	logger *slog.Logger,
) func(http.Handler) http.Handler {
	if limiter == nil {
		panic("middleware.TenantScope requires a limiter")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := strings.TrimSpace(r.Header.Get(HeaderTenantID))
			if tenantID == "" || len(tenantID) > maxTenantIDLength {
				logger.Warn("request blocked by tenant middleware",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				http.Error(w, "missing or invalid "+HeaderTenantID+" header", http.StatusBadRequest)
				return
			}

			if ratePerMinute > 0 {
				decision, err := limiter.Allow(r.Context(), tenantID, ratePerMinute, now())
				if err != nil {
					logger.Warn("rate limiter unavailable", "tenant_id", tenantID, "error", err)
					decision = RateDecision{Allowed: true, LimitPerMinute: ratePerMinute, Remaining: ratePerMinute}
				}
				w.Header().Set(headerRateLimitLimit, strconv.Itoa(decision.LimitPerMinute))
				w.Header().Set(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
				if !decision.Allowed {
					logger.Warn("tenant rate limit exceeded", "tenant_id", tenantID, "path", r.URL.Path)
					w.Header().Set(headerRetryAfter, strconv.Itoa(decision.RetryAfterSeconds))
					http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
					return
				}
			}

			// Preserve the tenant on the current request pointer so outer
			// middleware (request logging) can read it after next returns.
			*r = *r.WithContext(auth.WithTenantID(r.Context(), tenantID))
			next.ServeHTTP(w, r)
		})
	}
}
