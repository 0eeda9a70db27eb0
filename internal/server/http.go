package server

import (
	"StakeFlow/internal/balance"
	"StakeFlow/internal/core"
	fpmath "StakeFlow/internal/math"
	"StakeFlow/internal/observability"
	"StakeFlow/internal/query"
	"StakeFlow/internal/session"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 16

var (
	errBadAccount     = errors.New("account must be a 0x-prefixed 20-byte hex address")
	errHistoryOffline = errors.New("operation history is not available")
)

// API serves the caller-facing JSON endpoints.
type API struct {
	Sessions  *session.Manager
	Sync      *balance.Synchronizer
	History   *query.HistoryService // nil when no journal database is configured
	Precision fpmath.Precision
	Logger    zerolog.Logger
	Metrics   *observability.Metrics
}

type route struct {
	method  string
	pattern string
	name    string
	handle  runtime.HandlerFunc
}

// Register adds every route to mux.
func (a *API) Register(mux *runtime.ServeMux) error {
	routes := []route{
		{http.MethodPost, "/v1/sessions", "create_session", a.createSession},
		{http.MethodDelete, "/v1/sessions/{account}", "delete_session", a.deleteSession},
		{http.MethodPost, "/v1/accounts/{account}/stake", "stake", a.submitAmount(core.KindStake)},
		{http.MethodPost, "/v1/accounts/{account}/withdraw", "withdraw", a.submitAmount(core.KindWithdraw)},
		{http.MethodPost, "/v1/accounts/{account}/harvest", "harvest", a.harvest},
		{http.MethodGet, "/v1/accounts/{account}/state", "state", a.state},
		{http.MethodGet, "/v1/accounts/{account}/snapshot", "snapshot", a.snapshot},
		{http.MethodGet, "/v1/accounts/{account}/operations", "operations", a.operations},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, a.instrument(rt.name, rt.handle)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// NewMux returns a ServeMux with the API and the health endpoints.
func (a *API) NewMux(health *observability.HealthChecker) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	if err := a.Register(mux); err != nil {
		return nil, err
	}
	if health == nil {
		return mux, nil
	}
	probes := map[string]http.HandlerFunc{
		"/healthz": health.LivenessHandler,
		"/readyz":  health.ReadinessHandler,
	}
	for path, h := range probes {
		if err := mux.HandlePath(http.MethodGet, path, func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			h(w, r)
		}); err != nil {
			return nil, fmt.Errorf("register %s: %w", path, err)
		}
	}
	return mux, nil
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body sessionRequest
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, http.StatusBadRequest, "validation", err)
		return
	}
	account, err := parseAccount(body.Account)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "validation", err)
		return
	}

	sess, report, err := a.Sessions.Connect(r.Context(), account)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	view, err := sess.GetSnapshot()
	if err != nil {
		a.writeFailure(w, err)
		return
	}

	code := http.StatusOK
	if report != nil {
		code = http.StatusCreated
	}
	writeJSON(w, code, snapshotDTO(view, a.Sync, report))
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := parseAccount(params["account"])
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "validation", err)
		return
	}
	if !a.Sessions.Disconnect(account) {
		a.writeFailure(w, core.ErrNoAccount)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) submitAmount(kind core.Kind) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		sess, ok := a.session(w, params)
		if !ok {
			return
		}
		var body amountRequest
		if err := decodeBody(r, &body); err != nil {
			a.writeError(w, http.StatusBadRequest, "validation", err)
			return
		}
		req, err := core.ParseRequest(body.RequestID, kind, body.Amount)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "validation", err)
			return
		}
		a.run(w, r, sess, req)
	}
}

func (a *API) harvest(w http.ResponseWriter, r *http.Request, params map[string]string) {
	sess, ok := a.session(w, params)
	if !ok {
		return
	}
	var body harvestRequest
	if err := decodeBody(r, &body); err != nil && !errors.Is(err, io.EOF) {
		a.writeError(w, http.StatusBadRequest, "validation", err)
		return
	}
	a.run(w, r, sess, core.Request{ID: body.RequestID, Kind: core.KindHarvest})
}

// run blocks until the operation reaches a terminal state.
func (a *API) run(w http.ResponseWriter, r *http.Request, sess *session.Session, req core.Request) {
	res, err := sess.Submit(r.Context(), req)
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultDTO(res, a.Precision))
}

func (a *API) state(w http.ResponseWriter, r *http.Request, params map[string]string) {
	sess, ok := a.session(w, params)
	if !ok {
		return
	}
	view, err := sess.GetSnapshot()
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stateDTO(view.State))
}

func (a *API) snapshot(w http.ResponseWriter, r *http.Request, params map[string]string) {
	sess, ok := a.session(w, params)
	if !ok {
		return
	}
	view, err := sess.GetSnapshot()
	if err != nil {
		a.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotDTO(view, a.Sync, nil))
}

func (a *API) operations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := parseAccount(params["account"])
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "validation", err)
		return
	}
	if a.History == nil {
		a.writeError(w, http.StatusServiceUnavailable, "internal", errHistoryOffline)
		return
	}

	filter, err := parseHistoryFilter(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "validation", err)
		return
	}
	records, err := a.History.ListOperations(r.Context(), account.Hex(), filter)
	if err != nil {
		a.Logger.Error().Err(err).Str("account", account.Hex()).Msg("list operations failed")
		a.writeError(w, http.StatusInternalServerError, "internal", errors.New("history query failed"))
		return
	}

	if r.URL.Query().Get("view") == "summary" {
		writeJSON(w, http.StatusOK, map[string]any{"operations": query.Summarize(records)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": records})
}

func (a *API) session(w http.ResponseWriter, params map[string]string) (*session.Session, bool) {
	account, err := parseAccount(params["account"])
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "validation", err)
		return nil, false
	}
	sess, err := a.Sessions.Get(account)
	if err != nil {
		a.writeFailure(w, err)
		return nil, false
	}
	return sess, true
}

func (a *API) instrument(name string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r, params)
		if a.Metrics != nil {
			a.Metrics.APIRequests.WithLabelValues(name, strconv.Itoa(rec.code)).Inc()
			a.Metrics.APIDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}
}

// StatusFor maps an error onto its HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, session.ErrAccountNotAllowed) {
		return http.StatusForbidden
	}
	switch core.Classify(err) {
	case core.ErrKindValidation:
		return http.StatusBadRequest
	case core.ErrKindBusy, core.ErrKindReset:
		return http.StatusConflict
	case core.ErrKindNoAccount:
		return http.StatusNotFound
	case core.ErrKindSubmission, core.ErrKindRPC:
		return http.StatusBadGateway
	case core.ErrKindConfirmation:
		return http.StatusUnprocessableEntity
	case core.ErrKindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeFailure(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	kind := core.Classify(err).String()
	if errors.Is(err, session.ErrAccountNotAllowed) {
		kind = "forbidden"
	}
	if code >= 500 {
		a.Logger.Warn().Err(err).Int("status", code).Msg("request failed")
	}
	a.writeError(w, code, kind, err)
}

func (a *API) writeError(w http.ResponseWriter, code int, kind string, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseAccount(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) || !strings.HasPrefix(strings.ToLower(s), "0x") {
		return common.Address{}, errBadAccount
	}
	return common.HexToAddress(s), nil
}

func parseHistoryFilter(r *http.Request) (query.HistoryFilter, error) {
	q := r.URL.Query()
	var f query.HistoryFilter
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", raw)
		}
		f.Limit = n
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("invalid since %q: want RFC3339", raw)
		}
		f.Since = t
	}
	if raw := q.Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.EventTypes = append(f.EventTypes, t)
			}
		}
	}
	return f, nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}
