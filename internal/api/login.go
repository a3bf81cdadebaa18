package api

import (
	"context"
	"net/http"
	"time"

	"github.com/pysugar/kiro-accounts/internal/errs"
	"github.com/pysugar/kiro-accounts/internal/provider"
	"github.com/pysugar/kiro-accounts/internal/service"
)

// loginWait bounds blocking login calls without a ?timeout=.
const loginWait = 2 * time.Minute

type beginRequest struct {
	Provider string          `json:"provider"`
	Params   provider.Params `json:"params"`
	service.LoginOptions
}

func beginLogin(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req beginRequest
		if !decode(w, r, &req) {
			return
		}
		kind, err := provider.ParseKind(req.Provider)
		if err != nil {
			writeError(w, r, err)
			return
		}
		// The login outlives this request.
		info, err := d.Service.BeginLogin(context.WithoutCancel(r.Context()), kind, req.Params, req.LoginOptions)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, info)
	}
}

func completeLogin(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input string `json:"input"`
		}
		if !decode(w, r, &req) {
			return
		}
		if req.Input == "" {
			writeError(w, r, errs.New(errs.KindParse, "input is required"))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait(r, loginWait))
		defer cancel()
		acc, err := d.Service.CompleteLogin(ctx, req.Input)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, accountView(acc))
	}
}

func waitLogin(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), wait(r, loginWait))
		defer cancel()
		acc, err := d.Service.WaitLogin(ctx)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, accountView(acc))
	}
}
