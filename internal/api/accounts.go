package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/kiro-accounts/internal/account"
	"github.com/pysugar/kiro-accounts/internal/db"
	"github.com/pysugar/kiro-accounts/internal/discovery"
	"github.com/pysugar/kiro-accounts/internal/errs"
	"github.com/pysugar/kiro-accounts/internal/service"
)

// PassphraseHeader carries the export/import passphrase so it stays out of
// URLs and access logs.
const PassphraseHeader = "X-Export-Passphrase"

// accountView is an account with its secrets masked.
func accountView(a account.Account) account.Account {
	a.Credentials.AccessToken = discovery.MaskToken(a.Credentials.AccessToken)
	a.Credentials.RefreshToken = discovery.MaskToken(a.Credentials.RefreshToken)
	a.Credentials.ClientSecret = discovery.MaskToken(a.Credentials.ClientSecret)
	return a
}

func listAccounts(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts := d.Store.List()
		views := make([]account.Account, 0, len(accounts))
		for _, a := range accounts {
			views = append(views, accountView(a))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accounts": views,
			"count":    len(views),
		})
	}
}

func getAccount(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acc, err := d.Store.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, accountView(acc))
	}
}

func updateAccount(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch account.Patch
		if !decode(w, r, &patch) {
			return
		}
		acc, err := d.Store.Update(r.Context(), chi.URLParam(r, "id"), patch)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, accountView(acc))
	}
}

func deleteAccount(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func deleteAccounts(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs []string `json:"ids"`
		}
		if !decode(w, r, &req) {
			return
		}
		n, err := d.Store.DeleteMany(r.Context(), req.IDs)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

// accountAction adapts a per-account store operation.
func accountAction(op func(ctx context.Context, id string) (account.Account, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acc, err := op(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, accountView(acc))
	}
}

func refreshAll(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := d.Store.RefreshExpiring(r.Context())
		writeJSON(w, http.StatusOK, map[string]int{"refreshed": n})
	}
}

func switchAccount(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := d.Service.Switch(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		res.Account = accountView(res.Account)
		writeJSON(w, http.StatusOK, res)
	}
}

func bindMachine(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MachineID string `json:"machine_id"`
		}
		if !decode(w, r, &req) {
			return
		}
		if req.MachineID == "" {
			current, err := d.Binder.Current(r.Context())
			if err != nil {
				writeError(w, r, err)
				return
			}
			req.MachineID = current
		}
		acc, err := d.Store.BindMachine(r.Context(), chi.URLParam(r, "id"), req.MachineID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, accountView(acc))
	}
}

func unbindMachine(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acc, err := d.Store.UnbindMachine(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, accountView(acc))
	}
}

type importTokenRequest struct {
	Token string `json:"token"`
	service.LoginOptions
}

func importToken(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req importTokenRequest
		if !decode(w, r, &req) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait(r, loginWait))
		defer cancel()
		acc, err := d.Service.ImportToken(ctx, req.Token, req.LoginOptions)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, accountView(acc))
	}
}

func importLocal(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var opts service.LoginOptions
		if !decode(w, r, &opts) {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait(r, loginWait))
		defer cancel()
		acc, err := d.Service.ImportLocal(ctx, opts)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, accountView(acc))
	}
}

func exportAccounts(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IDs    []string `json:"ids"`
			Redact bool     `json:"redact"`
		}
		if !decode(w, r, &req) {
			return
		}
		pass := r.Header.Get(PassphraseHeader)
		data, err := d.Store.Export(req.IDs, account.ExportOptions{
			Redact:     req.Redact,
			Passphrase: pass,
			WorkFactor: d.ExportWorkFactor,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		name := "kiro-accounts.json"
		w.Header().Set("Content-Type", "application/json")
		if pass != "" {
			name = "kiro-accounts.json.age"
			w.Header().Set("Content-Type", "application/octet-stream")
		}
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		w.Write(data)
	}
}

func importAccounts(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			writeError(w, r, errs.Wrap(errs.KindParse, err, "read import body"))
			return
		}
		overwrite, _ := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get("overwrite")))
		report, err := d.Store.Import(r.Context(), data, account.ImportOptions{
			Overwrite:  overwrite,
			Passphrase: r.Header.Get(PassphraseHeader),
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func getAPIKey(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"api_key": db.GetAPIKey(d.DB)})
	}
}

func regenerateAPIKey(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"api_key": db.RegenerateAPIKey(d.DB)})
	}
}
