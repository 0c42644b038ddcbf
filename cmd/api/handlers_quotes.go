package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"dealflow/apperr"
	"dealflow/conversion"
	"dealflow/httpx"
	"dealflow/lifecycle"
	"dealflow/quote"
)

// readOptionalJSON decodes a body that callers may omit entirely.
func readOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := httpx.ReadJSON(w, r, dst)
	if apperr.CodeOf(err) == "empty_body" {
		return nil
	}
	return err
}

func (s *Server) handleListQuotes(w http.ResponseWriter, r *http.Request) {
	page, err := readPage(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	q := r.URL.Query()
	filters := quote.Filters{
		Status:        lifecycle.QuoteStatus(q.Get("status")),
		OpportunityID: q.Get("opportunity_id"),
		LeadID:        q.Get("lead_id"),
		Page:          page.Page,
		PageSize:      page.PageSize,
		SortKey:       page.SortKey,
		SortOrder:     page.SortOrder,
	}
	if raw := q.Get("has_order"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(w, r, apperr.Invalid(apperr.Fields{"has_order": "invalid"}))
			return
		}
		filters.HasOrder = &v
	}

	res, err := s.quoteService.List(r.Context(), scopeFrom(r), filters)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, size := effectivePage(page)
	httpx.WriteJSON(w, http.StatusOK, listResponse[quoteResponse]{
		Items:    mapSlice(res.Items, toQuoteResponse),
		Total:    res.Total,
		Page:     p,
		PageSize: size,
	})
}

func (s *Server) handleCreateQuote(w http.ResponseWriter, r *http.Request) {
	var req createQuoteRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	q, err := s.quoteService.Create(r.Context(), scopeFrom(r), req.params())
	s.writeQuote(w, r, http.StatusCreated, q, err)
}

func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.quoteService.Get(r.Context(), scopeFrom(r), chi.URLParam(r, "id"))
	s.writeQuote(w, r, http.StatusOK, q, err)
}

func (s *Server) handleUpdateQuote(w http.ResponseWriter, r *http.Request) {
	var req updateQuoteRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	q, err := s.quoteService.Update(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), req.params())
	s.writeQuote(w, r, http.StatusOK, q, err)
}

func (s *Server) handleDeleteQuote(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := readOptionalJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if err := s.quoteService.SoftDelete(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), req.Reason); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuoteLineage(w http.ResponseWriter, r *http.Request) {
	chain, err := s.quoteService.ListLineage(r.Context(), scopeFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": mapSlice(chain, toQuoteResponse)})
}

func (s *Server) handleAddQuoteItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	q, err := s.quoteService.AddItem(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), req.params())
	s.writeQuote(w, r, http.StatusCreated, q, err)
}

func (s *Server) handleUpdateQuoteItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	q, err := s.quoteService.UpdateItem(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "itemID"), req.params())
	s.writeQuote(w, r, http.StatusOK, q, err)
}

func (s *Server) handleRemoveQuoteItem(w http.ResponseWriter, r *http.Request) {
	q, err := s.quoteService.RemoveItem(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "itemID"))
	s.writeQuote(w, r, http.StatusOK, q, err)
}

func (s *Server) handleSendQuote(w http.ResponseWriter, r *http.Request) {
	var req sendQuoteRequest
	if err := readOptionalJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	q, err := s.quoteService.Send(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), quote.SendParams{ValidUntil: req.ValidUntil})
	s.writeQuote(w, r, http.StatusOK, q, err)
}

func (s *Server) handleAcceptQuote(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if err := readOptionalJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	q, err := s.quoteService.Accept(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), quote.AcceptParams{
		Name:      req.Name,
		Email:     req.Email,
		Title:     req.Title,
		Signature: req.Signature,
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	s.writeQuote(w, r, http.StatusOK, q, err)
}

func (s *Server) handleRejectQuote(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := readOptionalJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	q, err := s.quoteService.Reject(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), quote.RejectParams{
		Reason: req.Reason,
		Name:   req.Name,
		Email:  req.Email,
		IP:     r.RemoteAddr,
	})
	s.writeQuote(w, r, http.StatusOK, q, err)
}

func (s *Server) handleNewQuoteVersion(w http.ResponseWriter, r *http.Request) {
	var req versionRequest
	if err := readOptionalJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	q, err := s.quoteService.NewVersion(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), req.ExpectedVersion)
	s.writeQuote(w, r, http.StatusCreated, q, err)
}

// handleConvertQuote answers 201 with the new order, or 200 with the same
// order when the Idempotency-Key was already used.
func (s *Server) handleConvertQuote(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := readOptionalJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	res, err := s.conversionService.ConvertQuoteToOrder(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), conversion.QuoteToOrderParams{
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
		OrderType:      lifecycle.OrderType(strings.TrimSpace(req.OrderType)),
		EffectiveDate:  req.EffectiveDate.ptr(),
		ExpiryDate:     req.ExpiryDate.ptr(),
		Notes:          req.Notes,
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
		w.Header().Set("Idempotent-Replayed", "true")
	}
	httpx.WriteJSON(w, status, toOrderResponse(res.Order))
}

// Public token routes.

func (s *Server) handlePublicQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.quoteService.View(r.Context(), chi.URLParam(r, "token"), quote.ViewParams{
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	s.writePublicQuote(w, r, q, err)
}

func (s *Server) handlePublicAcceptQuote(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WritePublicError(w, r, err)
		return
	}
	q, err := s.quoteService.PublicAccept(r.Context(), chi.URLParam(r, "token"), quote.AcceptParams{
		Name:      req.Name,
		Email:     req.Email,
		Title:     req.Title,
		Signature: req.Signature,
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	})
	s.writePublicQuote(w, r, q, err)
}

func (s *Server) handlePublicRejectQuote(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := readOptionalJSON(w, r, &req); err != nil {
		httpx.WritePublicError(w, r, err)
		return
	}
	q, err := s.quoteService.PublicReject(r.Context(), chi.URLParam(r, "token"), quote.RejectParams{
		Reason: req.Reason,
		Name:   req.Name,
		Email:  req.Email,
		IP:     r.RemoteAddr,
	})
	s.writePublicQuote(w, r, q, err)
}

func (s *Server) writeQuote(w http.ResponseWriter, r *http.Request, status int, q quote.Quote, err error) {
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, status, toQuoteResponse(q))
}

func (s *Server) writePublicQuote(w http.ResponseWriter, r *http.Request, q quote.Quote, err error) {
	if err != nil {
		httpx.WritePublicError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toPublicQuoteResponse(q))
}
