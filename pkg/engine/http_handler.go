package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-pipelines/internal/governance"
	"github.com/polisai/polis-pipelines/pkg/domain"
	"github.com/polisai/polis-pipelines/pkg/locale"
	"github.com/polisai/polis-pipelines/pkg/telemetry"
)

// HeaderRequestID carries the request identifier in both directions.
const HeaderRequestID = "X-Request-ID"

const defaultMaxBodyBytes = 1 << 20

// ignoredParams are dropped from every request's DataBag; POST also drops
// the form CSRF token.
var ignoredParams = []string{locale.QueryParam, "format"}

// HTTPAdapter serves the registry's endpoints. It resolves the pipeline for
// the request's endpoint and method, builds the DataBag from path, query and
// body, runs it and writes the result as JSON.
type HTTPAdapter struct {
	registry     *EndpointRegistry
	executor     *Executor
	logger       *slog.Logger
	metrics      *telemetry.HTTPMetrics
	locales      *locale.Resolver
	limiter      *governance.RateLimiter
	timeouts     *governance.TimeoutManager
	maxBodyBytes int64

	mu     sync.Mutex
	router atomic.Pointer[routerState]
}

// HTTPAdapterConfig holds dependencies for creating an HTTPAdapter.
type HTTPAdapterConfig struct {
	Registry     *EndpointRegistry
	Executor     *Executor
	Logger       *slog.Logger
	Metrics      *telemetry.HTTPMetrics
	Locales      *locale.Resolver
	RateLimiter  *governance.RateLimiter
	Timeouts     *governance.TimeoutManager
	MaxBodyBytes int64
}

type routerState struct {
	generation int64
	handler    http.Handler
}

// NewHTTPAdapter constructs the adapter. The registry is required.
func NewHTTPAdapter(cfg HTTPAdapterConfig) *HTTPAdapter {
	if cfg.Registry == nil {
		panic("engine: endpoint registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	executor := cfg.Executor
	if executor == nil {
		executor = NewExecutor(ExecutorConfig{Logger: logger})
	}
	locales := cfg.Locales
	if locales == nil {
		locales = locale.NewResolver("en")
	}
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = governance.NewRateLimiter(nil)
	}
	timeouts := cfg.Timeouts
	if timeouts == nil {
		timeouts = governance.NewTimeoutManager(governance.DefaultTimeoutConfig())
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &HTTPAdapter{
		registry:     cfg.Registry,
		executor:     executor,
		logger:       logger,
		metrics:      cfg.Metrics,
		locales:      locales,
		limiter:      limiter,
		timeouts:     timeouts,
		maxBodyBytes: maxBody,
	}
}

// ServeHTTP routes the request with the router built for the registry's
// current generation.
func (a *HTTPAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.currentRouter().ServeHTTP(w, r)
}

func (a *HTTPAdapter) currentRouter() http.Handler {
	generation := a.registry.Generation()
	if state := a.router.Load(); state != nil && state.generation == generation {
		return state.handler
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if state := a.router.Load(); state != nil && state.generation == generation {
		return state.handler
	}

	endpoints := a.registry.List()
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	limits := make(map[string]governance.RateLimiterConfig)
	for _, endpoint := range endpoints {
		r.HandleFunc(endpoint.Spec.Path, a.endpointHandler(endpoint.Spec.Name))
		if rl := endpoint.Spec.RateLimit; rl != nil {
			for _, method := range endpoint.Methods() {
				limits[governance.Key(endpoint.Spec.Name, method)] = governance.RateLimiterConfig{
					RequestsPerSecond: rl.RequestsPerSecond,
					BurstSize:         rl.Burst,
				}
			}
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		a.writeError(req.Context(), w, &domain.ConfigurationError{Endpoint: req.URL.Path, Err: domain.ErrEndpointNotFound})
	})

	a.limiter.Configure(limits)
	a.metrics.SetEndpoints(len(endpoints))
	a.router.Store(&routerState{generation: generation, handler: r})
	a.logger.Debug("http routes rebuilt", "endpoints", len(endpoints), "generation", generation)
	return r
}

func (a *HTTPAdapter) endpointHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		method := strings.ToUpper(r.Method)
		defer func() {
			a.metrics.RecordRequest(name, method, rec.status, time.Since(start))
		}()

		requestID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		rec.Header().Set(HeaderRequestID, requestID)

		tag := a.locales.Resolve(r)
		rec.Header().Set("Content-Language", tag.String())
		ctx := locale.WithLocale(r.Context(), tag)

		if method == http.MethodOptions {
			endpoint, _, err := a.registry.Lookup(name, http.MethodGet)
			if err != nil && endpoint.Spec.Name == "" {
				a.writeError(ctx, rec, err)
				return
			}
			rec.Header().Set("Allow", strings.Join(append(endpoint.Methods(), http.MethodOptions), ", "))
			a.writeJSON(ctx, rec, http.StatusOK, Describe(endpoint))
			return
		}

		endpoint, step, err := a.registry.Lookup(name, method)
		if err != nil {
			if endpoint.Spec.Name != "" {
				rec.Header().Set("Allow", strings.Join(append(endpoint.Methods(), http.MethodOptions), ", "))
			}
			a.writeError(ctx, rec, err)
			return
		}

		allowed, stats := a.limiter.Take(governance.Key(name, method))
		if stats.BurstSize > 0 {
			governance.WriteRateLimitHeaders(rec, stats)
		}
		if !allowed {
			a.metrics.RecordRateLimited(name, method)
			a.writeErrorResponse(ctx, rec, http.StatusTooManyRequests, domain.ErrorResponse{
				Code:    "RATE_LIMITED",
				Message: "Too many requests",
			})
			return
		}

		data, err := a.buildDataBag(rec, r, method)
		if err != nil {
			a.writeErrorResponse(ctx, rec, http.StatusBadRequest, domain.ErrorResponse{
				Code:    "BAD_REQUEST",
				Message: err.Error(),
			})
			return
		}

		ctx = domain.WithRequestMeta(ctx, domain.RequestMeta{
			RequestID: requestID,
			Endpoint:  name,
			Method:    method,
			Path:      r.URL.Path,
			Headers:   r.Header,
			Cookies:   cookieMap(r),
			Locale:    tag.String(),
		})
		ctx, cancel := a.timeouts.WithRequestTimeout(ctx, endpoint.Spec.Timeout)
		defer cancel()

		result, err := a.executor.Execute(ctx, step, data)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err = governance.TimeoutError(ctx, err); err != nil {
			a.writeError(ctx, rec, err)
			return
		}

		if result.Exited {
			a.metrics.RecordEarlyExit(name, method)
			if result.Payload == nil {
				rec.WriteHeader(http.StatusNoContent)
				return
			}
			a.writeJSON(ctx, rec, http.StatusOK, result.Payload)
			return
		}
		if result.Data.IsEmpty() {
			rec.WriteHeader(http.StatusNoContent)
			return
		}
		a.writeJSON(ctx, rec, http.StatusOK, result.Data)
	}
}

// buildDataBag merges query parameters, then the body, then path
// parameters, so a path parameter wins a collision.
func (a *HTTPAdapter) buildDataBag(w http.ResponseWriter, r *http.Request, method string) (domain.DataBag, error) {
	data := make(domain.DataBag)

	for key, values := range r.URL.Query() {
		data[key] = paramValue(values)
	}

	if r.Body != nil && method != http.MethodGet {
		r.Body = http.MaxBytesReader(w, r.Body, a.maxBodyBytes)
		body, err := a.decodeBody(r)
		if err != nil {
			return nil, err
		}
		data.Merge(body)
	}

	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		for i, key := range rctx.URLParams.Keys {
			if key == "*" || i >= len(rctx.URLParams.Values) {
				continue
			}
			data[key] = rctx.URLParams.Values[i]
		}
	}

	for _, param := range ignoredParams {
		delete(data, param)
	}
	if method == http.MethodPost {
		delete(data, "csrfmiddlewaretoken")
	}
	return data, nil
}

func (a *HTTPAdapter) decodeBody(r *http.Request) (domain.DataBag, error) {
	contentType := r.Header.Get("Content-Type")
	mediaType := "application/json"
	if contentType != "" {
		parsed, _, err := mime.ParseMediaType(contentType)
		if err != nil {
			return nil, fmt.Errorf("invalid content type: %w", err)
		}
		mediaType = parsed
	}

	switch {
	case mediaType == "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
		return formBag(r.PostForm), nil

	case mediaType == "multipart/form-data":
		if err := r.ParseMultipartForm(a.maxBodyBytes); err != nil {
			return nil, fmt.Errorf("invalid multipart body: %w", err)
		}
		return formBag(r.MultipartForm.Value), nil

	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if len(strings.TrimSpace(string(raw))) == 0 {
			return nil, nil
		}
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, fmt.Errorf("request body must be a JSON object: %w", err)
		}
		return body, nil

	default:
		return nil, fmt.Errorf("unsupported content type %q", mediaType)
	}
}

func formBag(values map[string][]string) domain.DataBag {
	bag := make(domain.DataBag, len(values))
	for key, vs := range values {
		bag[key] = paramValue(vs)
	}
	return bag
}

func paramValue(values []string) any {
	if len(values) == 1 {
		return values[0]
	}
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func cookieMap(r *http.Request) map[string]string {
	cookies := r.Cookies()
	if len(cookies) == 0 {
		return nil
	}
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out
}

// writeError maps err onto a status code and the JSON error body.
func (a *HTTPAdapter) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		meta, _ := domain.RequestMetaFromContext(ctx)
		a.logger.Error("request failed",
			"endpoint", meta.Endpoint,
			"method", meta.Method,
			"request_id", meta.RequestID,
			"status", status,
			"error", err,
		)
	}
	a.writeErrorResponse(ctx, w, status, resp)
}

func errorResponse(err error) (int, domain.ErrorResponse) {
	var (
		verr   *domain.ValidationError
		cfgErr *domain.ConfigurationError
		domErr *domain.DomainError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, domain.ErrorResponse{
			Code:    "VALIDATION_FAILED",
			Message: "Request validation failed",
			Fields:  verr.Fields,
		}
	case errors.As(err, &cfgErr) && errors.Is(cfgErr.Err, domain.ErrPipelineNotFound):
		return http.StatusMethodNotAllowed, domain.ErrorResponse{
			Code:    "METHOD_NOT_ALLOWED",
			Message: fmt.Sprintf("Method %s is not allowed", cfgErr.Method),
		}
	case errors.As(err, &cfgErr):
		return http.StatusNotFound, domain.ErrorResponse{
			Code:    "ENDPOINT_NOT_FOUND",
			Message: "Endpoint not found",
		}
	case errors.Is(err, governance.ErrRequestTimeout):
		return http.StatusGatewayTimeout, domain.ErrorResponse{
			Code:    "REQUEST_TIMEOUT",
			Message: "Request timed out",
		}
	case errors.Is(err, domain.ErrUnitArguments):
		return http.StatusBadRequest, domain.ErrorResponse{
			Code:    "INVALID_ARGUMENTS",
			Message: err.Error(),
		}
	case errors.As(err, &domErr) && errors.Is(err, domain.ErrAuthorizationDenied):
		return http.StatusForbidden, domain.ErrorResponse{
			Code:    domErr.Code,
			Message: domErr.Error(),
		}
	case errors.As(err, &domErr) && domErr.Code != "":
		return http.StatusInternalServerError, domain.ErrorResponse{
			Code:    domErr.Code,
			Message: domErr.Error(),
		}
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, domain.ErrorResponse{
			Code:    "REQUEST_CANCELLED",
			Message: "Request cancelled",
		}
	default:
		return http.StatusInternalServerError, domain.ErrorResponse{
			Code:    "PIPELINE_ERROR",
			Message: "Pipeline execution failed",
		}
	}
}

func (a *HTTPAdapter) writeErrorResponse(ctx context.Context, w http.ResponseWriter, status int, resp domain.ErrorResponse) {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		resp.TraceID = sc.TraceID().String()
	}
	a.writeJSON(ctx, w, status, resp)
}

func (a *HTTPAdapter) writeJSON(_ context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("failed to encode response", "status", status, "error", err)
	}
}

// statusRecorder wraps http.ResponseWriter to prevent multiple WriteHeader
// calls and remember the status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.ResponseWriter.WriteHeader(code)
		r.wroteHeader = true
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
