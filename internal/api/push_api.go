package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-apns-gateway/internal/pipeline"
	"github.com/tinywideclouds/go-apns-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
)

const maxRequestBytes = 1 << 20

type PushAPI struct {
	Dispatcher    dispatch.Dispatcher
	InvalidTokens dispatch.InvalidTokenStore // optional
	Logger        *slog.Logger
}

// NewPushAPI builds the handler set. Pass a nil invalidTokens to disable the
// invalid-token registry.
func NewPushAPI(dispatcher dispatch.Dispatcher, invalidTokens dispatch.InvalidTokenStore, logger *slog.Logger) *PushAPI {
	return &PushAPI{
		Dispatcher:    dispatcher,
		InvalidTokens: invalidTokens,
		Logger:        logger.With("component", "PushAPI"),
	}
}

type PushResponse struct {
	JobID         string   `json:"job_id"`
	Receipt       string   `json:"receipt"`
	InvalidTokens []string `json:"invalid_tokens"`
}

// Push delivers one job synchronously and reports the outcome.
func (api *PushAPI) Push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserIDFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var doc dispatch.PushJobDocument
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&doc); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.WriteJSONError(w, http.StatusRequestEntityTooLarge, "request too large")
			return
		}
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	job := doc.ToPushJob()
	if err := job.Validate(); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID := uuid.NewString()
	logger := api.Logger.With("job_id", jobID, "user", userID, "tokens", len(job.Tokens))

	result, err := pipeline.Deliver(ctx, api.Dispatcher, api.InvalidTokens, job, logger)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadGateway, "dispatch failed")
		return
	}

	invalid := result.Invalid
	if invalid == nil {
		invalid = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(PushResponse{JobID: jobID, Receipt: result.Receipt, InvalidTokens: invalid}); err != nil {
		logger.Warn("Failed to write push response", "err", err)
	}
}
