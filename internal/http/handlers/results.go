package handlers

import (
	"mime"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/iago/media-jobs-back/internal/domain"
	"github.com/iago/media-jobs-back/internal/service"
)

func (api *API) JobResults(w http.ResponseWriter, r *http.Request) {
	session, ok := api.session(w, r)
	if !ok {
		return
	}
	jobID := chi.URLParam(r, "jobID")
	fields, err := api.jobs.Results(r.Context(), session, jobID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "fields": fields})
}

// JobResultField downloads one text field as an attachment, or redirects
// to the URL of a generated artifact.
func (api *API) JobResultField(w http.ResponseWriter, r *http.Request) {
	session, ok := api.session(w, r)
	if !ok {
		return
	}
	field, err := api.jobs.ResultField(r.Context(), session, chi.URLParam(r, "jobID"), chi.URLParam(r, "field"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	if field.Kind == service.FieldArtifact {
		http.Redirect(w, r, field.Value, http.StatusFound)
		return
	}

	contentType := "text/plain; charset=utf-8"
	if path.Ext(field.Filename) == ".srt" {
		contentType = "application/x-subrip; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": field.Filename}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(field.Value))
}

// Outputs lists the selectable output kinds and languages.
func (api *API) Outputs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"outputs":          domain.OutputCatalog(),
		"languages":        domain.SupportedLanguages(),
		"default_language": domain.DefaultLanguage,
	})
}
