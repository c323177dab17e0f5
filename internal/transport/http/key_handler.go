// Package http contains the chi HTTP handlers for the key API and the
// static file endpoints. Handlers decode one canonical request shape per
// endpoint, call the service layer, and map each outcome tag 1:1 to a
// status code.
package http

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"keyserver/internal/audit"
	"keyserver/internal/middleware"
	"keyserver/internal/services"
	"keyserver/pkg/contracts/domain"
)

var validate = validator.New()

// KeyHandler handles the key lifecycle endpoints.
type KeyHandler struct {
	service services.KeyService
	audit   *audit.Logger
	logger  *slog.Logger

	// raw file paths for the admin export endpoints
	keysPath string
}

// NewKeyHandler creates a key handler.
func NewKeyHandler(service services.KeyService, auditLog *audit.Logger, keysPath string, logger *slog.Logger) *KeyHandler {
	return &KeyHandler{
		service:  service,
		audit:    auditLog,
		logger:   logger.With(slog.String("handler", "keys")),
		keysPath: keysPath,
	}
}

// GenerateKeyRequest is the payload of POST /generate-key.
type GenerateKeyRequest struct {
	ExpirationDays int    `json:"expiration_days" validate:"min=0"`
	MachineLimit   int    `json:"machine_limit" validate:"min=0"`
	ProductID      string `json:"product_id" validate:"required"`
}

// ActivateKeyRequest is the payload of POST /key.
type ActivateKeyRequest struct {
	Key       string `json:"key" validate:"required"`
	MachineID string `json:"machine_id" validate:"required"`
}

// UpdateExpirationRequest is the payload of PUT /update-expiration.
type UpdateExpirationRequest struct {
	ProductID      string `json:"product_id" validate:"required"`
	AdditionalDays *int   `json:"additional_days" validate:"required"`
}

// EditKeyRequest is the payload of PUT /edit-key.
type EditKeyRequest struct {
	Key string `json:"key" validate:"required"`
	domain.KeyPatch
}

// GenerateKey handles POST /generate-key. Any authenticated principal may
// call it, including the webhook's billing_confirmation principal.
func (h *KeyHandler) GenerateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := otel.Tracer("key-handler").Start(ctx, "key_handler.generate",
		trace.WithAttributes(attribute.String("http.route", "/generate-key")))
	defer span.End()

	var req GenerateKeyRequest
	if err := render.Decode(r, &req); err != nil {
		badRequest(w, r, "Malformed request body.")
		return
	}
	if req.MachineLimit == 0 {
		req.MachineLimit = 1 // default when omitted
	}
	if err := validate.Struct(&req); err != nil {
		badRequest(w, r, validationMessage(err))
		return
	}

	record, err := h.service.Generate(ctx, req.ExpirationDays, req.MachineLimit, req.ProductID, actorUsername(r))
	if err != nil {
		h.internalError(w, r, "generate key failed", err)
		return
	}

	span.SetAttributes(attribute.String("key.product_id", req.ProductID))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]any{
		"status":          "success",
		"key":             record.Key,
		"expiration_date": record.ExpirationDate,
	})
}

// ActivateOrValidate handles POST /key, the anonymous activation and
// validation endpoint used by deployed clients.
func (h *KeyHandler) ActivateOrValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := otel.Tracer("key-handler").Start(ctx, "key_handler.activate_or_validate",
		trace.WithAttributes(attribute.String("http.route", "/key")))
	defer span.End()

	var req ActivateKeyRequest
	if err := render.Decode(r, &req); err != nil {
		badRequest(w, r, "Malformed request body.")
		return
	}
	if err := validate.Struct(&req); err != nil {
		badRequest(w, r, validationMessage(err))
		return
	}

	outcome, record, err := h.service.ActivateOrValidate(ctx, req.Key, req.MachineID)
	if err != nil {
		h.internalError(w, r, "activation failed", err)
		return
	}
	span.SetAttributes(attribute.String("key.outcome", string(outcome)))

	switch outcome {
	case domain.OutcomeActivated:
		render.JSON(w, r, map[string]any{
			"status":     string(outcome),
			"message":    "The key has been activated for the new machine.",
			"product_id": record.ProductID,
		})
	case domain.OutcomeValid:
		render.JSON(w, r, map[string]any{
			"status":     string(outcome),
			"message":    "The key and machine ID are valid and activated.",
			"product_id": record.ProductID,
		})
	case domain.OutcomeExpired:
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]any{
			"status":  string(outcome),
			"message": "The key has expired.",
		})
	case domain.OutcomeLimitExceeded:
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]any{
			"status":  string(outcome),
			"message": "The key has reached its machine usage limit.",
		})
	default:
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, map[string]any{
			"status":  string(domain.OutcomeInvalid),
			"message": "The key is invalid.",
		})
	}
}

// UpdateExpiration handles PUT /update-expiration (admin only).
func (h *KeyHandler) UpdateExpiration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UpdateExpirationRequest
	if err := render.Decode(r, &req); err != nil {
		badRequest(w, r, "Malformed request body.")
		return
	}
	if err := validate.Struct(&req); err != nil {
		badRequest(w, r, "Product ID and additional_days are required.")
		return
	}

	count, err := h.service.UpdateExpirationForProduct(ctx, req.ProductID, *req.AdditionalDays, actorUsername(r))
	if err != nil {
		h.internalError(w, r, "update expiration failed", err)
		return
	}

	render.JSON(w, r, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Updated expiration for %d keys associated with product ID %s.", count, req.ProductID),
		"count":   count,
	})
}

// KeyInfo handles GET /key-info?key= (admin only).
func (h *KeyHandler) KeyInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key := r.URL.Query().Get("key")
	if key == "" {
		badRequest(w, r, "Key parameter is required.")
		return
	}

	record, err := h.service.KeyInfo(ctx, key, actorUsername(r))
	if errors.Is(err, services.ErrKeyNotFound) {
		notFound(w, r, "Key not found.")
		return
	}
	if err != nil {
		h.internalError(w, r, "key info failed", err)
		return
	}

	render.JSON(w, r, map[string]any{
		"status":   "success",
		"key_info": record,
	})
}

// EditKey handles PUT /edit-key (admin only).
func (h *KeyHandler) EditKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EditKeyRequest
	if err := render.Decode(r, &req); err != nil {
		badRequest(w, r, "Malformed request body.")
		return
	}
	if err := validate.Struct(&req); err != nil {
		badRequest(w, r, validationMessage(err))
		return
	}

	record, err := h.service.EditKey(ctx, req.Key, req.KeyPatch, actorUsername(r))
	if errors.Is(err, services.ErrKeyNotFound) {
		notFound(w, r, "Key not found.")
		return
	}
	if err != nil {
		h.internalError(w, r, "edit key failed", err)
		return
	}

	render.JSON(w, r, map[string]any{
		"status":   "success",
		"message":  "Key information updated.",
		"key_info": record,
	})
}

// DeleteKey handles DELETE /delete-key?key= (admin only).
func (h *KeyHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key := r.URL.Query().Get("key")
	if key == "" {
		badRequest(w, r, "Key parameter is required.")
		return
	}

	err := h.service.DeleteKey(ctx, key, actorUsername(r))
	if errors.Is(err, services.ErrKeyNotFound) {
		notFound(w, r, "Key not found.")
		return
	}
	if err != nil {
		h.internalError(w, r, "delete key failed", err)
		return
	}

	render.JSON(w, r, map[string]any{
		"status":  "success",
		"message": "Key deleted.",
	})
}

// KeysFile handles GET /keys (admin only): streams the raw key store file.
func (h *KeyHandler) KeysFile(w http.ResponseWriter, r *http.Request) {
	h.streamFile(w, r, h.keysPath, "keys.json", audit.ActionRetrieveKeysFile, "Keys file not found.")
}

// RequestLogs handles GET /request-logs (admin only): streams the audit
// log file.
func (h *KeyHandler) RequestLogs(w http.ResponseWriter, r *http.Request) {
	h.streamFile(w, r, h.audit.Path(), "request_logs.json", audit.ActionRetrieveRequestLogs, "Request log file not found.")
}

func (h *KeyHandler) streamFile(w http.ResponseWriter, r *http.Request, path, name, action, missingMsg string) {
	if _, err := os.Stat(path); err != nil {
		notFound(w, r, missingMsg)
		return
	}
	h.audit.Append(r.Context(), audit.Entry{
		Action:   action,
		Username: actorUsername(r),
	})
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Type", "application/json")
	http.ServeFile(w, r, path)
}

func (h *KeyHandler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.ErrorContext(r.Context(), msg, slog.String("error", err.Error()))
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, map[string]any{
		"status":  "error",
		"message": "Internal server error.",
	})
}

// actorUsername derives the audit username for the request: the basic-auth
// username, or the synthetic role for webhook principals.
func actorUsername(r *http.Request) string {
	principal := middleware.PrincipalFromContext(r.Context())
	if principal == nil {
		return ""
	}
	if principal.Username != "" {
		return principal.Username
	}
	return string(principal.Role)
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, map[string]any{
		"status":  "error",
		"message": message,
	})
}

func notFound(w http.ResponseWriter, r *http.Request, message string) {
	render.Status(r, http.StatusNotFound)
	render.JSON(w, r, map[string]any{
		"status":  "error",
		"message": message,
	})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		field := verrs[0]
		return fmt.Sprintf("Field %s failed validation (%s).", field.Field(), field.Tag())
	}
	return "Invalid request."
}
