package server

import (
	"errors"
	"net/http"

	"github.com/nmxmxh/ovasabi-relay/pkg/auth"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	"github.com/nmxmxh/ovasabi-relay/pkg/logger"
	"go.uber.org/zap"
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", a.gateway)
	mux.Handle("GET /healthz", a.health.Handler())
	mux.Handle("POST /webhooks/{id}/test", a.authenticate("webhook_test", a.handleWebhookTest))
	return mux
}

// authenticate verifies the bearer token and stores the identity in the
// request context for next.
func (a *App) authenticate(subService string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.verifier.Verify(auth.ExtractToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := auth.NewContext(r.Context(), identity)
		ctx = logger.WithContext(ctx, subService)
		next(w, r.WithContext(ctx))
	})
}

type webhookTestResponse struct {
	DeliveryID string `json:"deliveryId"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode,omitempty"`
	DurationMS int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// handleWebhookTest sends a single synthetic delivery to a subscription of
// the caller's org.
func (a *App) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	log := logger.FromContext(r.Context(), a.log).With(zap.String("user_id", identity.UserID))
	id := r.PathValue("id")
	sub, err := a.webhookStore.Get(r.Context(), id)
	if err != nil || sub.OrgID != identity.OrgID {
		if err != nil && !errors.Is(err, relayerrors.ErrNotFound) {
			log.Error("failed to load webhook subscription", zap.String("subscription_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeError(w, http.StatusNotFound, "webhook subscription not found")
		return
	}

	res, err := a.webhooks.SendTest(r.Context(), id)
	if err != nil {
		log.Error("webhook test delivery failed", zap.String("subscription_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := webhookTestResponse{
		DeliveryID: res.DeliveryID,
		Success:    res.Success,
		StatusCode: res.StatusCode,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
