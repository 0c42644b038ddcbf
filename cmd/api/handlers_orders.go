package main

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"dealflow/conversion"
	"dealflow/httpx"
	"dealflow/lifecycle"
	"dealflow/order"
)

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	page, err := readPage(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	q := r.URL.Query()
	res, err := s.orderService.List(r.Context(), scopeFrom(r), order.Filters{
		Status:            lifecycle.OrderStatus(q.Get("status")),
		FulfillmentStatus: lifecycle.FulfillmentStatus(q.Get("fulfillment_status")),
		SourceQuoteID:     q.Get("source_quote_id"),
		Page:              page.Page,
		PageSize:          page.PageSize,
		SortKey:           page.SortKey,
		SortOrder:         page.SortOrder,
	})
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	p, size := effectivePage(page)
	httpx.WriteJSON(w, http.StatusOK, listResponse[orderResponse]{
		Items:    mapSlice(res.Items, toOrderResponse),
		Total:    res.Total,
		Page:     p,
		PageSize: size,
	})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	o, err := s.orderService.Create(r.Context(), scopeFrom(r), order.CreateParams{
		Type:          lifecycle.OrderType(strings.TrimSpace(req.Type)),
		Currency:      req.Currency,
		TotalValue:    req.TotalValue,
		EffectiveDate: req.EffectiveDate.ptr(),
		ExpiryDate:    req.ExpiryDate.ptr(),
		Notes:         req.Notes,
	})
	writeOrder(w, r, http.StatusCreated, o, err)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orderService.Get(r.Context(), scopeFrom(r), chi.URLParam(r, "id"))
	writeOrder(w, r, http.StatusOK, o, err)
}

func (s *Server) handleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req updateOrderRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	o, err := s.orderService.Update(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), order.UpdateParams{
		EffectiveDate: req.EffectiveDate.ptr(),
		ExpiryDate:    req.ExpiryDate.ptr(),
		ClearExpiry:   req.ClearExpiry,
		Notes:         req.Notes,
	})
	writeOrder(w, r, http.StatusOK, o, err)
}

func (s *Server) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := readOptionalJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if err := s.orderService.SoftDelete(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), req.Reason); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := readOptionalJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	o, err := s.orderService.Cancel(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), req.Reason)
	writeOrder(w, r, http.StatusOK, o, err)
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req orderStatusRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	o, err := s.orderService.UpdateStatus(r.Context(), scopeFrom(r), chi.URLParam(r, "id"),
		lifecycle.OrderStatus(strings.TrimSpace(req.Status)), req.Reason)
	writeOrder(w, r, http.StatusOK, o, err)
}

func (s *Server) handleFulfillmentStatus(w http.ResponseWriter, r *http.Request) {
	var req orderStatusRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	o, err := s.orderService.UpdateFulfillmentStatus(r.Context(), scopeFrom(r), chi.URLParam(r, "id"),
		lifecycle.FulfillmentStatus(strings.TrimSpace(req.Status)))
	writeOrder(w, r, http.StatusOK, o, err)
}

// handleAttachAgreement links an existing agreement or creates a new one for
// the order. 201 when an agreement was created, 200 otherwise.
func (s *Server) handleAttachAgreement(w http.ResponseWriter, r *http.Request) {
	var req attachAgreementRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	params := conversion.AttachParams{
		AgreementID:    strings.TrimSpace(req.AgreementID),
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
	}
	if req.Agreement != nil {
		p := req.Agreement.params()
		params.New = &p
	}

	res, err := s.conversionService.AttachAgreement(r.Context(), scopeFrom(r), chi.URLParam(r, "id"), params)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created && !res.Replayed {
		status = http.StatusCreated
	}
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	httpx.WriteJSON(w, status, toAgreementResponse(res.Agreement))
}

func writeOrder(w http.ResponseWriter, r *http.Request, status int, o order.Order, err error) {
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, status, toOrderResponse(o))
}
