package main

import (
	"errors"
	"net/http"

	"dealflow/auth"
	"dealflow/httpx"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			httpx.WriteStatus(w, r, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
			return
		}
		httpx.WriteError(w, r, err)
		return
	}

	var resp loginResponse
	resp.Token = res.Token
	resp.ExpiresAt = res.ExpiresAt
	resp.Operator.ID = res.Operator.ID
	resp.Operator.TenantID = res.Operator.TenantID
	resp.Operator.Email = res.Operator.Email
	resp.Operator.FullName = res.Operator.FullName
	resp.Operator.Role = string(res.Operator.Role)
	httpx.WriteJSON(w, http.StatusOK, resp)
}
