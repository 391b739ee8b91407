package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"taxdesk.org/internal/auth"
	"taxdesk.org/internal/httperr"
	"taxdesk.org/internal/rbac"
)

type companyRequest struct {
	Name string `json:"name"`
}

type addMemberRequest struct {
	UserID string    `json:"user_id"`
	Role   rbac.Role `json:"role"`
}

type changeRoleRequest struct {
	Role rbac.Role `json:"role"`
}

// subject returns the authenticated user id, writing a 401 when absent.
func subject(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, httperr.CodeTokenInvalid, "authentication required")
		return "", false
	}
	return id, true
}

func (a *API) handleListCompanies(w http.ResponseWriter, r *http.Request) {
	uid, ok := subject(w, r)
	if !ok {
		return
	}
	list, err := a.rbac.ListCompanies(r.Context(), uid)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []rbac.Access{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (a *API) handleCreateCompany(w http.ResponseWriter, r *http.Request) {
	uid, ok := subject(w, r)
	if !ok {
		return
	}
	var req companyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, httperr.CodeInvalidInput, err.Error())
		return
	}
	company, err := a.rbac.CreateCompany(r.Context(), uid, req.Name)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/companies/"+company.ID)
	writeJSON(w, http.StatusCreated, rbac.Access{Company: company, Role: rbac.RoleOwner})
}

func (a *API) handleGetCompany(w http.ResponseWriter, r *http.Request) {
	uid, ok := subject(w, r)
	if !ok {
		return
	}
	access, err := a.rbac.GetCompany(r.Context(), chi.URLParam(r, "companyID"), uid)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, access)
}

func (a *API) handleRenameCompany(w http.ResponseWriter, r *http.Request) {
	uid, ok := subject(w, r)
	if !ok {
		return
	}
	var req companyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, httperr.CodeInvalidInput, err.Error())
		return
	}
	company, err := a.rbac.RenameCompany(r.Context(), chi.URLParam(r, "companyID"), uid, req.Name)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, company)
}

func (a *API) handleDeleteCompany(w http.ResponseWriter, r *http.Request) {
	uid, ok := subject(w, r)
	if !ok {
		return
	}
	if err := a.rbac.DeleteCompany(r.Context(), chi.URLParam(r, "companyID"), uid); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListMembers(w http.ResponseWriter, r *http.Request) {
	uid, ok := subject(w, r)
	if !ok {
		return
	}
	members, err := a.rbac.ListMembers(r.Context(), chi.URLParam(r, "companyID"), uid)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if members == nil {
		members = []rbac.Member{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": members})
}

func (a *API) handleAddMember(w http.ResponseWriter, r *http.Request) {
	uid, ok := subject(w, r)
	if !ok {
		return
	}
	var req addMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, httperr.CodeInvalidInput, err.Error())
		return
	}
	companyID := chi.URLParam(r, "companyID")
	member, err := a.rbac.AddMember(r.Context(), companyID, uid, req.UserID, req.Role)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/companies/"+companyID+"/members/"+member.UserID)
	writeJSON(w, http.StatusCreated, member)
}

func (a *API) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	uid, ok := subject(w, r)
	if !ok {
		return
	}
	var req changeRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, httperr.CodeInvalidInput, err.Error())
		return
	}
	member, err := a.rbac.ChangeRole(r.Context(), chi.URLParam(r, "companyID"), uid, chi.URLParam(r, "userID"), req.Role)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

func (a *API) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	uid, ok := subject(w, r)
	if !ok {
		return
	}
	if err := a.rbac.RemoveMember(r.Context(), chi.URLParam(r, "companyID"), uid, chi.URLParam(r, "userID")); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
