package api

import (
	"net/http"

	"github.com/pysugar/kiro-accounts/internal/errs"
	"github.com/pysugar/kiro-accounts/internal/machineid"
)

func machineRecord(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := d.Binder.Record(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func machineBindings(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bindings, err := d.Binder.Bindings(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if bindings == nil {
			bindings = []machineid.Binding{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"bindings": bindings})
	}
}

func machineBackups(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		latest, err := d.Binder.LatestBackup(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		original, err := d.Binder.OriginalBackup(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]*machineid.Snapshot{
			"latest":   latest,
			"original": original,
		})
	}
}

func machineBackup(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := d.Binder.Backup(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, snap)
	}
}

// machineRestore restores the "latest" (default) or "original" backup, or
// an explicit machine_id.
func machineRestore(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Backup    string `json:"backup"`
			MachineID string `json:"machine_id"`
		}
		if !decode(w, r, &req) {
			return
		}

		var snap *machineid.Snapshot
		var err error
		switch {
		case req.MachineID != "":
			snap = &machineid.Snapshot{Kind: "manual", MachineID: req.MachineID}
		case req.Backup == "original":
			snap, err = d.Binder.OriginalBackup(r.Context())
		case req.Backup == "" || req.Backup == "latest":
			snap, err = d.Binder.LatestBackup(r.Context())
		default:
			err = errs.New(errs.KindParse, "unknown backup %q", req.Backup)
		}
		if err == nil && snap == nil {
			err = errs.New(errs.KindNotFound, "no %s backup recorded", req.Backup)
		}
		if err == nil {
			err = d.Binder.Restore(r.Context(), *snap)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"machine_id": snap.MachineID})
	}
}

func machineReset(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := d.Binder.Reset(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"machine_id": id})
	}
}

func machineCustom(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MachineID string `json:"machine_id"`
		}
		if !decode(w, r, &req) {
			return
		}
		id, err := d.Binder.SetCustom(r.Context(), req.MachineID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"machine_id": id})
	}
}

func machineClearOverride(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Binder.ClearOverride(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
