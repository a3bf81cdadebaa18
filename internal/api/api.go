// Package api serves the local command API that drives account management,
// logins, account switching and machine-id operations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/kiro-accounts/internal/account"
	"github.com/pysugar/kiro-accounts/internal/errs"
	"github.com/pysugar/kiro-accounts/internal/logging"
	"github.com/pysugar/kiro-accounts/internal/machineid"
	"github.com/pysugar/kiro-accounts/internal/service"
	"github.com/pysugar/kiro-accounts/internal/version"
	"gorm.io/gorm"
)

// maxBody bounds request bodies, exports included.
const maxBody = 16 << 20

// Deps are the components the API exposes.
type Deps struct {
	DB            *gorm.DB
	Service       *service.Service
	Store         *account.Store
	Binder        *machineid.Binder
	AdminPassword string
	// ExportWorkFactor is the scrypt work factor for encrypted exports.
	ExportWorkFactor int
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(Authorize(d.DB, d.AdminPassword))

		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{
				"version":    version.Version,
				"commit":     version.Commit,
				"build_time": version.BuildTime,
			})
		})
		r.Get("/providers", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"providers": d.Service.Providers()})
		})

		// Accounts
		r.Get("/accounts", listAccounts(d))
		r.Post("/accounts/import-token", importToken(d))
		r.Post("/accounts/delete", deleteAccounts(d))
		r.Post("/accounts/export", exportAccounts(d))
		r.Post("/accounts/import", importAccounts(d))
		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/", getAccount(d))
			r.Patch("/", updateAccount(d))
			r.Delete("/", deleteAccount(d))
			r.Post("/refresh", accountAction(d.Store.Refresh))
			r.Post("/verify", accountAction(d.Store.Verify))
			r.Post("/sync", accountAction(d.Store.Sync))
			r.Post("/switch", switchAccount(d))
			r.Post("/bind", bindMachine(d))
			r.Delete("/bind", unbindMachine(d))
		})
		r.Post("/refresh", refreshAll(d))

		// Local IDE session
		r.Get("/local/sessions", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, d.Service.LocalSessions())
		})
		r.Post("/local/import", importLocal(d))

		// Login
		r.Post("/login/begin", beginLogin(d))
		r.Get("/login/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, d.Service.LoginStatus())
		})
		r.Post("/login/complete", completeLogin(d))
		r.Post("/login/wait", waitLogin(d))
		r.Post("/login/cancel", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]bool{"cancelled": d.Service.CancelLogin()})
		})
		r.Post("/logout", func(w http.ResponseWriter, r *http.Request) {
			d.Service.Logout()
			w.WriteHeader(http.StatusNoContent)
		})

		// Machine id
		r.Get("/machine-id", machineRecord(d))
		r.Get("/machine-id/bindings", machineBindings(d))
		r.Get("/machine-id/generate", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"machine_id": d.Binder.Generate()})
		})
		r.Get("/machine-id/backups", machineBackups(d))
		r.Post("/machine-id/backup", machineBackup(d))
		r.Post("/machine-id/restore", machineRestore(d))
		r.Post("/machine-id/reset", machineReset(d))
		r.Post("/machine-id/custom", machineCustom(d))
		r.Post("/machine-id/clear-override", machineClearOverride(d))

		// API key
		r.Get("/config/apikey", getAPIKey(d))
		r.Post("/config/apikey/regenerate", regenerateAPIKey(d))
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Provider  string `json:"provider,omitempty"`
		Retryable bool   `json:"retryable,omitempty"`
	} `json:"error"`
}

// writeError maps an error's kind onto an HTTP status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var body errorBody
	body.Error.Message = err.Error()
	kind := errs.KindOf(err)
	body.Error.Type = string(kind)
	body.Error.Provider = errs.ProviderOf(err)
	body.Error.Retryable = errs.IsRetryable(err)

	status := statusFor(kind)
	if kind == "" {
		body.Error.Type = "internal_error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
	}
	if status >= http.StatusInternalServerError {
		logging.Logf(r.Context(), "❌ %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, body)
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindParse, errs.KindInvalidFormat:
		return http.StatusBadRequest
	case errs.KindCorrelationMismatch:
		return http.StatusForbidden
	case errs.KindNotFound, errs.KindNoPendingLogin:
		return http.StatusNotFound
	case errs.KindAlreadyPending, errs.KindConflict, errs.KindGuidConflict, errs.KindCancelled:
		return http.StatusConflict
	case errs.KindExpired:
		return http.StatusGone
	case errs.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, r, errs.Wrap(errs.KindParse, err, "malformed request body"))
	return false
}

// wait parses the optional ?timeout= duration for blocking calls.
func wait(r *http.Request, def time.Duration) time.Duration {
	if v := r.URL.Query().Get("timeout"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}
