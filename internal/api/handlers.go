package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"outdial/internal/auth"
	"outdial/internal/calls"
	"outdial/internal/engine"
	"outdial/internal/listener"
)

const maxListLimit = 500

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	TenantID  string    `json:"tenant_id,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, expires, err := s.Auth.Login(req.Username, req.Password)
	if err != nil {
		s.log.WithField("username", req.Username).Warn("login rejected")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	claims, err := s.Auth.Parse(token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token error")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expires, TenantID: claims.TenantID})
}

// tenantScope resolves the tenant a request acts on. Tenant operators are
// pinned to their own tenant; admins pick one with requested, or none.
func tenantScope(r *http.Request, requested string) (string, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		return "", false
	}
	if claims.Admin() {
		return requested, true
	}
	if requested != "" && requested != claims.TenantID {
		return "", false
	}
	return claims.TenantID, true
}

func (s *Server) handlePlaceCall(w http.ResponseWriter, r *http.Request) {
	var req engine.PlaceCallRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tenantID, ok := tenantScope(r, req.TenantID)
	if !ok {
		writeError(w, http.StatusForbidden, "tenant not allowed")
		return
	}
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	req.TenantID = tenantID

	res, err := s.Calls.PlaceCall(r.Context(), req)
	if err != nil {
		s.log.WithError(err).WithField("tenant", tenantID).Warn("place call failed")
		env := envelope{Error: err.Error()}
		if res != nil {
			env.Data = res
		}
		writeEnvelope(w, statusFor(err), env)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(r, "")
	if !ok {
		writeError(w, http.StatusForbidden, "tenant not allowed")
		return
	}
	rec, err := s.Calls.GetCall(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type listResponse struct {
	Calls  []calls.CallRecord `json:"calls"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID, ok := tenantScope(r, q.Get("tenant_id"))
	if !ok {
		writeError(w, http.StatusForbidden, "tenant not allowed")
		return
	}

	f, msg := parseFilter(q.Get)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	f.TenantID = tenantID

	list, total, err := s.Calls.ListCalls(r.Context(), f)
	if err != nil {
		s.log.WithError(err).Error("listing calls")
		writeError(w, statusFor(err), "listing calls failed")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Calls: list, Total: total, Limit: f.Limit, Offset: f.Offset})
}

// parseFilter reads status, search, since, until, limit and offset.
func parseFilter(get func(string) string) (calls.Filter, string) {
	f := calls.Filter{Search: get("search"), Limit: calls.DefaultLimit}

	if v := get("status"); v != "" {
		st, err := calls.ParseStatus(v)
		if err != nil {
			return f, err.Error()
		}
		f.Status = st
	}
	if v := get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			return f, "limit must be between 1 and " + strconv.Itoa(maxListLimit)
		}
		f.Limit = n
	}
	if v := get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, "offset must be a non-negative integer"
		}
		f.Offset = n
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		if v := get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, p.name + " must be an RFC3339 timestamp"
			}
			*p.dst = t
		}
	}
	return f, ""
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleSetCallStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	tenantID, ok := tenantScope(r, "")
	if !ok {
		writeError(w, http.StatusForbidden, "tenant not allowed")
		return
	}

	rec, err := s.Calls.SetCallStatus(r.Context(), chi.URLParam(r, "id"), tenantID, req.Status)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantScope(r, r.URL.Query().Get("tenant_id"))
	if !ok {
		writeError(w, http.StatusForbidden, "tenant not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.Calls.ActiveSessions(tenantID))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authorization required")
		return
	}
	s.Hub.ServeClient(w, r, claims.TenantID, claims.Admin())
}

type healthResponse struct {
	Status    string            `json:"status"`
	Database  string            `json:"database"`
	Listeners []listener.Status `json:"listeners"`
	Sessions  int               `json:"sessions"`
}

// handleHealth is 503 only when the store is unreachable. A disconnected
// listener degrades the status but the service can still place calls.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "ok", Listeners: []listener.Status{}}
	code := http.StatusOK

	if s.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			s.log.WithError(err).Warn("health: store unreachable")
			resp.Status, resp.Database = "down", "unreachable"
			code = http.StatusServiceUnavailable
		}
	}
	if s.Listeners != nil {
		resp.Listeners = s.Listeners.Statuses()
		for _, st := range resp.Listeners {
			if st.State != listener.StateConnected.String() && resp.Status == "ok" {
				resp.Status = "degraded"
			}
		}
	}
	resp.Sessions = len(s.Calls.ActiveSessions(""))

	writeJSON(w, code, resp)
}
