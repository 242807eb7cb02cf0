package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"passkeeper/internal/passes/service"
	apperrors "passkeeper/pkg/errors"
	httputil "passkeeper/pkg/http"
	"passkeeper/pkg/logger"
	"passkeeper/pkg/model"
	"passkeeper/pkg/timeutil"

	"github.com/julienschmidt/httprouter"
)

type PassHandler struct {
	service service.PassService
	log     *logger.Logger
	loc     *time.Location
}

func NewPassHandler(svc service.PassService, log *logger.Logger, loc *time.Location) *PassHandler {
	return &PassHandler{
		service: svc,
		log:     log,
		loc:     loc,
	}
}

// reservationRequestBody accepts times as RFC3339 or any of the human
// formats timeutil understands, resolved against the current instant.
type reservationRequestBody struct {
	User  string `json:"user"`
	Start string `json:"start"`
	End   string `json:"end"`
}

type approveRequestBody struct {
	User string `json:"user"`
}

type giveRequestBody struct {
	User string `json:"user"`
}

type profileRequestBody struct {
	User string `json:"user"`
	Memo string `json:"memo"`
}

type approveResponse struct {
	Reservation  *model.Reservation `json:"reservation"`
	TransferMode string             `json:"transfer_mode"`
}

type passResponse struct {
	CurrentOwner string    `json:"current_owner"`
	Memo         string    `json:"memo,omitempty"`
	LastUpdated  time.Time `json:"last_updated"`
	Since        string    `json:"since"`
}

func (h *PassHandler) Request(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body reservationRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		if writeErr := httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{
			Error: "Invalid request body",
		}); writeErr != nil {
			h.log.Error("failed to write JSON response", "handler", "Request", "operation", "WriteJSON", "error", writeErr)
		}
		return
	}

	now := time.Now()
	start, err := h.parseTime(body.Start, now, "start")
	if err != nil {
		h.writeError(w, "Request", err)
		return
	}
	end, err := h.parseTime(body.End, now, "end")
	if err != nil {
		h.writeError(w, "Request", err)
		return
	}

	reservation, err := h.service.Request(r.Context(), &model.ReservationRequest{
		User:  body.User,
		Start: start,
		End:   end,
	})
	if err != nil {
		h.writeError(w, "Request", err)
		return
	}

	if err := httputil.WriteCreated(w, reservation); err != nil {
		h.log.Error("failed to write created response", "handler", "Request", "operation", "WriteCreated", "error", err)
	}
}

func (h *PassHandler) Approve(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body approveRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		if writeErr := httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{
			Error: "Invalid request body",
		}); writeErr != nil {
			h.log.Error("failed to write JSON response", "handler", "Approve", "operation", "WriteJSON", "error", writeErr)
		}
		return
	}

	reservation, mode, err := h.service.Approve(r.Context(), body.User)
	if err != nil {
		h.writeError(w, "Approve", err)
		return
	}

	if err := httputil.WriteSuccess(w, approveResponse{
		Reservation:  reservation,
		TransferMode: string(mode),
	}); err != nil {
		h.log.Error("failed to write success response", "handler", "Approve", "operation", "WriteSuccess", "error", err)
	}
}

func (h *PassHandler) Give(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body giveRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		if writeErr := httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{
			Error: "Invalid request body",
		}); writeErr != nil {
			h.log.Error("failed to write JSON response", "handler", "Give", "operation", "WriteJSON", "error", writeErr)
		}
		return
	}

	state, err := h.service.Give(r.Context(), body.User)
	if err != nil {
		h.writeError(w, "Give", err)
		return
	}

	if err := httputil.WriteSuccess(w, state); err != nil {
		h.log.Error("failed to write success response", "handler", "Give", "operation", "WriteSuccess", "error", err)
	}
}

func (h *PassHandler) List(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	views, err := h.service.ListReservations(r.Context())
	if err != nil {
		h.writeError(w, "List", err)
		return
	}

	if err := httputil.WriteSuccess(w, views); err != nil {
		h.log.Error("failed to write success response", "handler", "List", "operation", "WriteSuccess", "error", err)
	}
}

func (h *PassHandler) Current(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	state, memo, err := h.service.CurrentOwner(r.Context())
	if err != nil {
		h.writeError(w, "Current", err)
		return
	}

	if err := httputil.WriteSuccess(w, passResponse{
		CurrentOwner: state.CurrentOwner,
		Memo:         memo,
		LastUpdated:  state.LastUpdated,
		Since:        timeutil.FormatLong(state.LastUpdated, h.loc),
	}); err != nil {
		h.log.Error("failed to write success response", "handler", "Current", "operation", "WriteSuccess", "error", err)
	}
}

func (h *PassHandler) SaveProfile(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body profileRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		if writeErr := httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{
			Error: "Invalid request body",
		}); writeErr != nil {
			h.log.Error("failed to write JSON response", "handler", "SaveProfile", "operation", "WriteJSON", "error", writeErr)
		}
		return
	}

	if err := h.service.SaveProfile(r.Context(), &model.UserProfile{
		User: body.User,
		Memo: body.Memo,
	}); err != nil {
		h.writeError(w, "SaveProfile", err)
		return
	}

	httputil.WriteNoContent(w)
}

func (h *PassHandler) parseTime(input string, ref time.Time, field string) (time.Time, error) {
	if input == "" {
		return time.Time{}, apperrors.InvalidInput(fmt.Sprintf("%s is required", field))
	}
	t, err := timeutil.Parse(input, ref, h.loc)
	if err != nil {
		return time.Time{}, apperrors.InvalidInput(fmt.Sprintf("could not parse %s time: %s", field, input))
	}
	return t, nil
}

func (h *PassHandler) writeError(w http.ResponseWriter, handlerName string, err error) {
	if writeErr := httputil.WriteError(w, err); writeErr != nil {
		h.log.Error("failed to write error response", "handler", handlerName, "operation", "WriteError", "error", writeErr)
	}
}

func (h *PassHandler) RegisterRoutes(router *httprouter.Router) {
	router.POST("/api/v1/reservations", h.Request)
	router.POST("/api/v1/reservations/approve", h.Approve)
	router.GET("/api/v1/reservations", h.List)
	router.POST("/api/v1/pass/give", h.Give)
	router.GET("/api/v1/pass", h.Current)
	router.PUT("/api/v1/profile", h.SaveProfile)
}
