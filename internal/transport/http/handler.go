package httptransport

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"companyhub/internal/aggregator"
	"companyhub/internal/providers"
	"companyhub/internal/ratelimit/models"
	"companyhub/pkg/domain"
	dErrors "companyhub/pkg/domain-errors"
	"companyhub/pkg/platform/httputil"
	pstrings "companyhub/pkg/platform/strings"
	"companyhub/pkg/requestcontext"
)

// Resolver defines the interface for company lookups.
type Resolver interface {
	Resolve(ctx context.Context, req aggregator.Request) (*aggregator.Result, error)
}

// Handler wires company endpoints to the aggregator.
type Handler struct {
	resolver  Resolver
	logger    *slog.Logger
	strictNIP bool
}

// New constructs a company handler. strictNIP additionally requires a valid
// mod-11 check digit.
func New(resolver Resolver, logger *slog.Logger, strictNIP bool) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{resolver: resolver, logger: logger, strictNIP: strictNIP}
}

// Register mounts company endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/v1/companies/{nip}", h.HandleGetCompany)
}

// HandleGetCompany handles GET /v1/companies/{nip}.
//
// Query parameters: providers (comma separated, default all), refresh
// (comma separated providers, or "all"), partial=allow.
func (h *Handler) HandleGetCompany(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, err := h.parseRequest(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.resolver.Resolve(ctx, req)
	if err != nil {
		h.logger.ErrorContext(ctx, "company lookup failed",
			"request_id", requestID,
			"nip", req.EntityID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	status := statusFor(result.Disposition)
	if status == http.StatusTooManyRequests && result.NextAvailableAt != nil {
		w.Header().Set("Retry-After", retryAfter(*result.NextAvailableAt, requestcontext.Now(ctx)))
	}

	h.logger.InfoContext(ctx, "company resolved",
		"request_id", requestID,
		"nip", req.EntityID,
		"caller_id", req.Caller.ID,
		"disposition", result.Disposition,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, status, FromResult(result))
}

func (h *Handler) parseRequest(r *http.Request) (aggregator.Request, error) {
	ctx := r.Context()
	parse := domain.ParseNIP
	if h.strictNIP {
		parse = domain.ParseStrictNIP
	}
	nip, err := parse(chi.URLParam(r, "nip"))
	if err != nil {
		return aggregator.Request{}, err
	}

	q := r.URL.Query()
	names, err := parseProviders(q.Get("providers"))
	if err != nil {
		return aggregator.Request{}, err
	}

	var refresh []providers.Name
	switch raw := q.Get("refresh"); raw {
	case "":
	case "all", "true":
		refresh = names
		if len(refresh) == 0 {
			refresh = providers.All
		}
	default:
		if refresh, err = parseProviders(raw); err != nil {
			return aggregator.Request{}, err
		}
	}

	tier, err := models.ParseInboundTier(requestcontext.CallerTier(ctx))
	if err != nil {
		return aggregator.Request{}, err
	}

	partial := q.Get("partial")
	return aggregator.Request{
		EntityID:     nip,
		Providers:    names,
		ForceRefresh: refresh,
		AllowPartial: partial == "allow" || partial == "true",
		Caller:       models.Caller{ID: requestcontext.CallerID(ctx), Tier: tier},
	}, nil
}

func parseProviders(raw string) ([]providers.Name, error) {
	var out []providers.Name
	for _, s := range pstrings.SplitList(raw) {
		name, ok := providers.ParseName(s)
		if !ok {
			return nil, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown provider %q", s))
		}
		out = append(out, name)
	}
	return out, nil
}

func statusFor(d aggregator.Disposition) int {
	switch d {
	case aggregator.DispositionRateLimited:
		return http.StatusTooManyRequests
	case aggregator.DispositionPartialFailure:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

// retryAfter renders whole seconds, rounded up, never below one.
func retryAfter(at, now time.Time) string {
	secs := int(math.Ceil(at.Sub(now).Seconds()))
	return strconv.Itoa(max(secs, 1))
}
