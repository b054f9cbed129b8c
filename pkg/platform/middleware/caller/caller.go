// Package caller attaches the billed caller identity to the request context.
//
// Authentication happens upstream of this service; the gateway forwards the
// caller id and its subscription tier as headers.
package caller

import (
	"net/http"
	"strings"

	"companyhub/pkg/requestcontext"
)

const (
	IDHeader   = "X-Caller-ID"
	TierHeader = "X-Caller-Tier"
)

// Middleware reads caller headers. Requests without a caller id are attributed
// to the client IP so anonymous traffic still shares one budget per address.
func Middleware(defaultTier string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			id := strings.TrimSpace(r.Header.Get(IDHeader))
			if id == "" {
				id = "ip:" + requestcontext.ClientIP(ctx)
			}
			tier := strings.ToLower(strings.TrimSpace(r.Header.Get(TierHeader)))
			if tier == "" {
				tier = defaultTier
			}
			next.ServeHTTP(w, r.WithContext(requestcontext.WithCaller(ctx, id, tier)))
		})
	}
}
