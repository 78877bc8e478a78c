package handlers

import (
	"net/http"

	"github.com/iago/media-jobs-back/internal/domain"
	"github.com/iago/media-jobs-back/internal/service"
)

type profileUpdateRequest struct {
	FullName  *string `json:"full_name"`
	AvatarURL *string `json:"avatar_url"`
}

type subscribeRequest struct {
	PlanID string `json:"plan_id"`
}

type uploadCheckRequest struct {
	SizeBytes int64 `json:"size_bytes"`
	// Head is the base64 encoded start of the file, optional.
	Head []byte `json:"head,omitempty"`
}

func (api *API) Profile(w http.ResponseWriter, r *http.Request) {
	session, ok := api.session(w, r)
	if !ok {
		return
	}
	view, err := api.accounts.Profile(r.Context(), session)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (api *API) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	session, ok := api.session(w, r)
	if !ok {
		return
	}
	var request profileUpdateRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	profile, err := api.accounts.UpdateProfile(r.Context(), session, service.ProfileUpdate{
		FullName:  request.FullName,
		AvatarURL: request.AvatarURL,
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeProfile(w, r, session, profile)
}

func (api *API) writeProfile(w http.ResponseWriter, r *http.Request, session domain.Session, profile *domain.Profile) {
	session.Profile = profile
	view, err := api.accounts.Profile(r.Context(), session)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (api *API) Plans(w http.ResponseWriter, r *http.Request) {
	plans, err := api.accounts.Plans(r.Context())
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if plans == nil {
		plans = []domain.Plan{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (api *API) Subscribe(w http.ResponseWriter, r *http.Request) {
	session, ok := api.session(w, r)
	if !ok {
		return
	}
	var request subscribeRequest
	if err := decodeJSON(r, &request); err != nil || request.PlanID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "plan_id is required")
		return
	}

	profile, err := api.accounts.Subscribe(r.Context(), session, request.PlanID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeProfile(w, r, session, profile)
}

func (api *API) Usage(w http.ResponseWriter, r *http.Request) {
	session, ok := api.session(w, r)
	if !ok {
		return
	}
	limit, valid := queryLimit(r)
	if !valid {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		return
	}
	records, err := api.accounts.Usage(r.Context(), session, limit)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if records == nil {
		records = []domain.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": records})
}

// CheckUpload reports whether a file of the given size and leading bytes
// would be accepted for the session's tier.
func (api *API) CheckUpload(w http.ResponseWriter, r *http.Request) {
	session, ok := api.session(w, r)
	if !ok {
		return
	}
	var request uploadCheckRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	check, err := api.accounts.CheckUpload(r.Context(), session, request.SizeBytes, request.Head)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}
