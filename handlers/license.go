package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"flowdeck.app/cloud/internal/logger"
	"flowdeck.app/cloud/license"
)

type LicenseRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

type EntitlementResponse struct {
	Entitled    bool       `json:"entitled"`
	Status      string     `json:"status,omitempty"`
	LicenseType string     `json:"license_type,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Message     string     `json:"message"`
}

type TrialResponse struct {
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	LicenseType string     `json:"license_type"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (s *Server) decodeLicenseRequest(w http.ResponseWriter, r *http.Request) (LicenseRequest, bool) {
	var req LicenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	if err := s.validate.Struct(req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "user_id required")
		return req, false
	}
	return req, true
}

// CheckEntitlement reports whether a user currently holds a valid
// entitlement. The desktop app polls this on launch.
func (s *Server) CheckEntitlement(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeLicenseRequest(w, r)
	if !ok {
		return
	}

	lic, err := s.Storage.FindActiveLicenseByUser(r.Context(), req.UserID)
	if err != nil {
		logger.Error("Entitlement lookup failed", map[string]interface{}{
			"error":   err.Error(),
			"user_id": req.UserID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Lookup failed")
		return
	}
	if lic == nil {
		writeJSON(w, http.StatusOK, EntitlementResponse{
			Entitled: false,
			Message:  "No active license",
		})
		return
	}

	if !lic.Entitled(time.Now().UTC()) {
		writeJSON(w, http.StatusOK, EntitlementResponse{
			Entitled:    false,
			Status:      lic.Status,
			LicenseType: lic.LicenseType,
			ExpiresAt:   lic.ExpirationDate,
			Message:     "License expired",
		})
		return
	}

	writeJSON(w, http.StatusOK, EntitlementResponse{
		Entitled:    true,
		Status:      lic.Status,
		LicenseType: lic.LicenseType,
		ExpiresAt:   lic.ExpirationDate,
		Message:     "License valid",
	})
}

// StartTrial starts a free trial for a user with no active license.
func (s *Server) StartTrial(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeLicenseRequest(w, r)
	if !ok {
		return
	}

	lic, err := s.Engine.StartTrial(r.Context(), req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, license.ErrAlreadyLicensed):
			writeErrorResponse(w, http.StatusConflict, "User already holds an active license")
		case errors.Is(err, license.ErrMissingUserID):
			writeErrorResponse(w, http.StatusBadRequest, "user_id required")
		default:
			logger.Error("Failed to start trial", map[string]interface{}{
				"error":   err.Error(),
				"user_id": req.UserID,
			})
			writeErrorResponse(w, http.StatusInternalServerError, "Failed to start trial")
		}
		return
	}

	writeJSON(w, http.StatusCreated, TrialResponse{
		UserID:      lic.UserID,
		Status:      lic.Status,
		LicenseType: lic.LicenseType,
		ExpiresAt:   lic.ExpirationDate,
	})
}

// CancelSubscription requests provider-side cancellation at period end. The
// local record stays untouched until Stripe confirms with a subscription
// event.
func (s *Server) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeLicenseRequest(w, r)
	if !ok {
		return
	}

	err := s.Engine.CancelSubscription(r.Context(), req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, license.ErrNoActiveLicense):
			writeErrorResponse(w, http.StatusNotFound, "No active license")
		case errors.Is(err, license.ErrNoStripePaymentID):
			writeErrorResponse(w, http.StatusConflict, "License is not tied to a subscription")
		default:
			logger.Error("Failed to request cancellation", map[string]interface{}{
				"error":   err.Error(),
				"user_id": req.UserID,
			})
			writeErrorResponse(w, http.StatusBadGateway, "Cancellation request failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation_requested"})
}
