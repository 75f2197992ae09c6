package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stembrain/trailer/internal/models"
	"github.com/stembrain/trailer/internal/sync"
)

// Routes holds the handlers' dependencies
type Routes struct {
	engine Engine
}

type projectResponse struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Enabled    bool             `json:"enabled"`
	Visible    bool             `json:"visible"`
	FetchMode  models.FetchMode `json:"fetch_mode"`
	KeepMerged bool             `json:"keep_merged"`
	KeepClosed bool             `json:"keep_closed"`
	LastSyncAt *time.Time       `json:"last_sync_at,omitempty"`
}

func toProjectResponse(p models.Project) projectResponse {
	resp := projectResponse{
		ID:         p.ID,
		Name:       p.DisplayName(),
		Enabled:    p.Enabled,
		Visible:    p.Visible,
		FetchMode:  p.FetchMode,
		KeepMerged: p.KeepMerged,
		KeepClosed: p.KeepClosed,
	}
	if !p.LastSyncAt.IsZero() {
		t := p.LastSyncAt
		resp.LastSyncAt = &t
	}
	return resp
}

type itemResponse struct {
	RemoteID           string            `json:"remote_id"`
	Number             int               `json:"number"`
	Kind               models.ItemKind   `json:"kind"`
	Title              string            `json:"title"`
	Author             string            `json:"author"`
	State              models.ItemState  `json:"state"`
	URL                string            `json:"url"`
	UpdatedAt          time.Time         `json:"updated_at"`
	Labels             []string          `json:"labels"`
	Draft              bool              `json:"draft"`
	RequestedReviewers []string          `json:"requested_reviewers"`
	Checks             models.CheckState `json:"checks,omitempty"`
	Comments           int               `json:"comments"`
	Unread             bool              `json:"unread"`
}

func toItemResponse(item models.Item) itemResponse {
	return itemResponse{
		RemoteID:           item.RemoteID,
		Number:             item.Number,
		Kind:               item.Kind,
		Title:              item.Title,
		Author:             item.Author,
		State:              item.State,
		URL:                item.URL,
		UpdatedAt:          item.UpdatedAt,
		Labels:             item.Labels,
		Draft:              item.Draft,
		RequestedReviewers: item.RequestedReviewers,
		Checks:             item.CombinedChecks(),
		Comments:           len(item.Comments) + len(item.Reviews),
		Unread:             item.Unread,
	}
}

type unreadResponse struct {
	ByProject map[string]int `json:"by_project"`
	Total     int            `json:"total"`
}

type statusResponse struct {
	LastSuccessAt *time.Time           `json:"last_success_at,omitempty"`
	Activity      int                  `json:"activity"`
	Unread        unreadResponse       `json:"unread"`
	Projects      []sync.ProjectStatus `json:"projects"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

func projectID(r *http.Request) string {
	return chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "name")
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (routes *Routes) health(w http.ResponseWriter, _ *http.Request) {
	WriteJSONResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (routes *Routes) status(w http.ResponseWriter, r *http.Request) {
	statuses, err := routes.engine.ProjectStatuses(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	counts, err := routes.engine.UnreadCounts(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := statusResponse{
		Activity: routes.engine.ActivityCount(),
		Unread:   unreadResponse{ByProject: counts.ByProject, Total: counts.Total},
		Projects: statuses,
	}
	if last := routes.engine.LastSuccess(); !last.IsZero() {
		resp.LastSuccessAt = &last
	}
	WriteJSONResponse(w, resp, http.StatusOK)
}

func (routes *Routes) unread(w http.ResponseWriter, r *http.Request) {
	counts, err := routes.engine.UnreadCounts(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSONResponse(w, unreadResponse{ByProject: counts.ByProject, Total: counts.Total}, http.StatusOK)
}

func (routes *Routes) notifications(w http.ResponseWriter, _ *http.Request) {
	WriteJSONResponse(w, routes.engine.RecentNotifications(), http.StatusOK)
}

func (routes *Routes) metrics(w http.ResponseWriter, r *http.Request) {
	points, err := routes.engine.Metrics(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if points == nil {
		WriteErrorResponse(w, "metrics are disabled", http.StatusNotFound)
		return
	}
	WriteJSONResponse(w, points, http.StatusOK)
}

func (routes *Routes) refreshAll(w http.ResponseWriter, _ *http.Request) {
	routes.engine.RefreshNow()
	w.WriteHeader(http.StatusAccepted)
}

func (routes *Routes) acknowledgeAll(w http.ResponseWriter, r *http.Request) {
	n, err := routes.engine.AcknowledgeAll(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSONResponse(w, countResponse{Count: n}, http.StatusOK)
}

func (routes *Routes) clearTerminal(w http.ResponseWriter, r *http.Request) {
	n, err := routes.engine.ClearTerminal(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSONResponse(w, countResponse{Count: n}, http.StatusOK)
}

func (routes *Routes) setCredential(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decode(r, &body); err != nil {
		WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Token == "" {
		WriteErrorResponse(w, "token is required", http.StatusBadRequest)
		return
	}
	routes.engine.SetCredential(body.Token)
	w.WriteHeader(http.StatusNoContent)
}

func (routes *Routes) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := routes.engine.Projects(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		resp = append(resp, toProjectResponse(p))
	}
	WriteJSONResponse(w, resp, http.StatusOK)
}

func (routes *Routes) addProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID         string           `json:"id"`
		Name       string           `json:"name"`
		FetchMode  models.FetchMode `json:"fetch_mode"`
		Enabled    *bool            `json:"enabled"`
		Visible    *bool            `json:"visible"`
		KeepMerged *bool            `json:"keep_merged"`
		KeepClosed *bool            `json:"keep_closed"`
	}
	if err := decode(r, &body); err != nil {
		WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, _, err := models.ParseProjectID(body.ID); err != nil {
		WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.FetchMode != "" && !body.FetchMode.Valid() {
		WriteErrorResponse(w, fmt.Sprintf("invalid fetch_mode %q", body.FetchMode), http.StatusBadRequest)
		return
	}

	p := models.Project{
		ID:         body.ID,
		Name:       body.Name,
		FetchMode:  body.FetchMode,
		Enabled:    boolOr(body.Enabled, true),
		Visible:    boolOr(body.Visible, true),
		KeepMerged: boolOr(body.KeepMerged, true),
		KeepClosed: boolOr(body.KeepClosed, true),
	}
	if err := routes.engine.AddProject(r.Context(), p); err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSONResponse(w, toProjectResponse(p), http.StatusCreated)
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func (routes *Routes) removeProject(w http.ResponseWriter, r *http.Request) {
	if err := routes.engine.RemoveProject(r.Context(), projectID(r)); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type toggleRequest struct {
	Value *bool `json:"value"`
}

func (routes *Routes) toggle(w http.ResponseWriter, r *http.Request, set func(id string, v bool) error) {
	var body toggleRequest
	if err := decode(r, &body); err != nil {
		WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Value == nil {
		WriteErrorResponse(w, "value is required", http.StatusBadRequest)
		return
	}
	if err := set(projectID(r), *body.Value); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (routes *Routes) setEnabled(w http.ResponseWriter, r *http.Request) {
	routes.toggle(w, r, routes.engine.SetProjectEnabled)
}

func (routes *Routes) setVisible(w http.ResponseWriter, r *http.Request) {
	routes.toggle(w, r, routes.engine.SetProjectVisible)
}

func (routes *Routes) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := routes.engine.Items(r.Context(), projectID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := make([]itemResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, toItemResponse(item))
	}
	WriteJSONResponse(w, resp, http.StatusOK)
}

func (routes *Routes) refreshProject(w http.ResponseWriter, r *http.Request) {
	if err := routes.engine.RefreshProject(r.Context(), projectID(r)); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (routes *Routes) acknowledgeProject(w http.ResponseWriter, r *http.Request) {
	n, err := routes.engine.AcknowledgeProject(r.Context(), projectID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	WriteJSONResponse(w, countResponse{Count: n}, http.StatusOK)
}

func (routes *Routes) acknowledgeItem(w http.ResponseWriter, r *http.Request) {
	if err := routes.engine.Acknowledge(r.Context(), projectID(r), chi.URLParam(r, "remoteID")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
