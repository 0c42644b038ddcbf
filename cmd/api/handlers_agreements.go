package main

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"dealflow/agreement"
	"dealflow/httpx"
	"dealflow/lifecycle"
)

func agreementType(s string) lifecycle.AgreementType {
	return lifecycle.AgreementType(strings.TrimSpace(s))
}

func (s *Server) handleListAgreements(w http.ResponseWriter, r *http.Request) {
	page, err := readPage(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	q := r.URL.Query()
	res, err := s.agreementService.List(r.Context(), scopeFrom(r), agreement.Filters{
		Status:    lifecycle.AgreementStatus(q.Get("status")),
		Type:      agreementType(q.Get("agreement_type")),
		OrderID:   q.Get("order_id"),
		Page:      page.Page,
		PageSize:  page.PageSize,
		SortKey:   page.SortKey,
		SortOrder: page.SortOrder,
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, size := effectivePage(page)
	httpx.WriteJSON(w, http.StatusOK, listResponse[agreementResponse]{
		Items:    mapSlice(res.Items, toAgreementResponse),
		Total:    res.Total,
		Page:     p,
		PageSize: size,
	})
}

func (s *Server) handleCreateAgreement(w http.ResponseWriter, r *http.Request) {
	var req createAgreementRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	a, err := s.agreementService.Create(r.Context(), scopeFrom(r), req.params())
	writeAgreement(w, r, http.StatusCreated, a, err)
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.agreementService.Get(r.Context(), scopeFrom(r), chi.URLParam(r, "id"))
	writeAgreement(w, r, http.StatusOK, a, err)
}

func (s *Server) handleUpdateAgreement(w http.ResponseWriter, r *http.Request) {
	var req updateAgreementRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	params := agreement.UpdateParams{
		Title:         req.Title,
		EffectiveDate: req.EffectiveDate.ptr(),
		ExpiryDate:    req.ExpiryDate.ptr(),
		Terms:         req.Terms,
	}
	if req.Type != nil {
		t := agreementType(*req.Type)
		params.Type = &t
	}
	a, err := s.agreementService.Update(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), params)
	writeAgreement(w, r, http.StatusOK, a, err)
}

func (s *Server) handleDeleteAgreement(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := readOptionalJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if err := s.agreementService.SoftDelete(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), req.Reason); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgreementLineage(w http.ResponseWriter, r *http.Request) {
	chain, err := s.agreementService.ListLineage(r.Context(), scopeFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": mapSlice(chain, toAgreementResponse)})
}

func (s *Server) handleSubmitAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.agreementService.SubmitForSignature(r.Context(), scopeFrom(r), chi.URLParam(r, "id"))
	writeAgreement(w, r, http.StatusOK, a, err)
}

func (s *Server) handleClientSignature(w http.ResponseWriter, r *http.Request) {
	var req clientSignatureRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	a, err := s.agreementService.RecordClientSignature(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), agreement.ClientSignatureParams{
		Name:           req.Name,
		Email:          req.Email,
		Title:          req.Title,
		IP:             r.RemoteAddr,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
	})
	writeAgreement(w, r, http.StatusOK, a, err)
}

func (s *Server) handleProviderSignature(w http.ResponseWriter, r *http.Request) {
	var req providerSignatureRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	a, err := s.agreementService.RecordProviderSignature(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), agreement.ProviderSignatureParams{
		SignatoryID: strings.TrimSpace(req.SignatoryID),
		Name:        req.Name,
		Title:       req.Title,
	})
	writeAgreement(w, r, http.StatusOK, a, err)
}

func (s *Server) handleTerminateAgreement(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	a, err := s.agreementService.Terminate(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), req.Reason)
	writeAgreement(w, r, http.StatusOK, a, err)
}

func (s *Server) handleNewAgreementVersion(w http.ResponseWriter, r *http.Request) {
	var req versionRequest
	if err := readOptionalJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	a, err := s.agreementService.NewVersion(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), req.ExpectedVersion)
	writeAgreement(w, r, http.StatusCreated, a, err)
}

func (s *Server) handlePublicAgreement(w http.ResponseWriter, r *http.Request) {
	a, err := s.agreementService.PublicView(r.Context(), chi.URLParam(r, "token"))
	writePublicAgreement(w, r, a, err)
}

func (s *Server) handlePublicSignAgreement(w http.ResponseWriter, r *http.Request) {
	var req clientSignatureRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WritePublicError(w, r, err)
		return
	}
	a, err := s.agreementService.PublicSign(r.Context(), chi.URLParam(r, "token"), agreement.ClientSignatureParams{
		Name:  req.Name,
		Email: req.Email,
		Title: req.Title,
		IP:    r.RemoteAddr,
	})
	writePublicAgreement(w, r, a, err)
}

func writeAgreement(w http.ResponseWriter, r *http.Request, status int, a agreement.Agreement, err error) {
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, status, toAgreementResponse(a))
}

func writePublicAgreement(w http.ResponseWriter, r *http.Request, a agreement.Agreement, err error) {
	if err != nil {
		httpx.WritePublicError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toPublicAgreementResponse(a))
}
