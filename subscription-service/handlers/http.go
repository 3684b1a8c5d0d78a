package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/draftea/subscription-system/shared/outbox"
	"github.com/draftea/subscription-system/shared/saga"
	"github.com/draftea/subscription-system/subscription-service/application"
	"github.com/draftea/subscription-system/subscription-service/domain"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

// SubscriptionHandlers contains subscription, saga and outbox HTTP handlers
type SubscriptionHandlers struct {
	createSubscription *application.CreateSubscription
	getSubscription    *application.GetSubscription
	listSubscriptions  *application.ListUserSubscriptions
	activate           *application.ActivateSubscription
	pause              *application.PauseSubscription
	renew              *application.RenewSubscription
	cancel             *application.CancelSubscription
	startSaga          *application.StartSubscriptionSaga
	sagaStatus         *application.GetSagaStatus
	outboxAdmin        *application.OutboxAdmin
}

// UseCases groups what SubscriptionHandlers serves
type UseCases struct {
	CreateSubscription *application.CreateSubscription
	GetSubscription    *application.GetSubscription
	ListSubscriptions  *application.ListUserSubscriptions
	Activate           *application.ActivateSubscription
	Pause              *application.PauseSubscription
	Renew              *application.RenewSubscription
	Cancel             *application.CancelSubscription
	StartSaga          *application.StartSubscriptionSaga
	SagaStatus         *application.GetSagaStatus
	OutboxAdmin        *application.OutboxAdmin
}

// NewSubscriptionHandlers creates new subscription handlers
func NewSubscriptionHandlers(uc UseCases) *SubscriptionHandlers {
	return &SubscriptionHandlers{
		createSubscription: uc.CreateSubscription,
		getSubscription:    uc.GetSubscription,
		listSubscriptions:  uc.ListSubscriptions,
		activate:           uc.Activate,
		pause:              uc.Pause,
		renew:              uc.Renew,
		cancel:             uc.Cancel,
		startSaga:          uc.StartSaga,
		sagaStatus:         uc.SagaStatus,
		outboxAdmin:        uc.OutboxAdmin,
	}
}

// StartSubscriptionSaga handles POST /sagas/create-subscription
func (h *SubscriptionHandlers) StartSubscriptionSaga(w http.ResponseWriter, r *http.Request) {
	var cmd application.StartSubscriptionSagaCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	response, err := h.startSaga.Execute(r.Context(), &cmd)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, response)
}

func (h *SubscriptionHandlers) GetSagaStatus(w http.ResponseWriter, r *http.Request) {
	response, err := h.sagaStatus.Execute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// CreateSubscription handles POST /subscriptions
func (h *SubscriptionHandlers) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var cmd application.CreateSubscriptionCommand
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	response, err := h.createSubscription.Execute(r.Context(), &cmd)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, response)
}

func (h *SubscriptionHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	response, err := h.getSubscription.Execute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *SubscriptionHandlers) ListUserSubscriptions(w http.ResponseWriter, r *http.Request) {
	response, err := h.listSubscriptions.Execute(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// transition serves the POST /subscriptions/{id}/<action> endpoints
func (h *SubscriptionHandlers) transition(execute func(r *http.Request, id string) (*application.SubscriptionResponse, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response, err := execute(r, chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, response)
	}
}

func (h *SubscriptionHandlers) GetOutboxEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.outboxAdmin.Event(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *SubscriptionHandlers) GetOutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.outboxAdmin.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// DispatchOutbox runs one outbox tick immediately
func (h *SubscriptionHandlers) DispatchOutbox(w http.ResponseWriter, r *http.Request) {
	result, err := h.outboxAdmin.Dispatch(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RegisterRoutes registers subscription routes
func (h *SubscriptionHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sagas", func(r chi.Router) {
			r.Post("/create-subscription", h.StartSubscriptionSaga)
			r.Get("/{id}", h.GetSagaStatus)
		})
		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", h.CreateSubscription)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSubscription)
				r.Post("/activate", h.transition(func(r *http.Request, id string) (*application.SubscriptionResponse, error) {
					return h.activate.Execute(r.Context(), id)
				}))
				r.Post("/pause", h.transition(func(r *http.Request, id string) (*application.SubscriptionResponse, error) {
					return h.pause.Execute(r.Context(), id)
				}))
				r.Post("/renew", h.transition(func(r *http.Request, id string) (*application.SubscriptionResponse, error) {
					return h.renew.Execute(r.Context(), id)
				}))
				r.Post("/cancel", h.transition(func(r *http.Request, id string) (*application.SubscriptionResponse, error) {
					return h.cancel.Execute(r.Context(), id)
				}))
			})
		})
		r.Get("/users/{userId}/subscriptions", h.ListUserSubscriptions)
		r.Route("/outbox", func(r chi.Router) {
			r.Get("/events/{id}", h.GetOutboxEvent)
			r.Get("/stats", h.GetOutboxStats)
			r.Post("/dispatch", h.DispatchOutbox)
		})
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, application.ErrInvalidCommand),
		errors.Is(err, domain.ErrInvalidPeriod),
		errors.Is(err, domain.ErrInvalidSubscription):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPlanNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrSubscriptionNotFound),
		errors.Is(err, saga.ErrSagaInstanceNotFound),
		errors.Is(err, outbox.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidStatusTransition),
		errors.Is(err, domain.ErrVersionConflict),
		errors.Is(err, outbox.ErrTickInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
