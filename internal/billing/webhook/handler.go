package webhook

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chatdesk/billingsync/internal/billing/metrics"
	billingerrors "github.com/chatdesk/billingsync/internal/errors"
	"github.com/chatdesk/billingsync/internal/logging"
	"github.com/chatdesk/billingsync/internal/utils"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// SignatureHeader carries the provider's delivery signature.
const SignatureHeader = "Stripe-Signature"

// Handler verifies webhook deliveries and hands them to the reconciler.
type Handler struct {
	reconciler *Reconciler
	configured bool
}

type errorResponse struct {
	Error string `json:"error"`
}

type receivedResponse struct {
	Received bool `json:"received"`
}

// NewHandler creates the webhook HTTP handler. configured is false when no
// signing secret is set, in which case every delivery gets a 503.
func NewHandler(reconciler *Reconciler, configured bool) *Handler {
	return &Handler{reconciler: reconciler, configured: configured}
}

// ServeHTTP verifies the signature over the raw body, decodes the event and
// applies it. Nothing is written before verification succeeds.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		utils.WriteJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}
	if !h.configured {
		status = http.StatusServiceUnavailable
		utils.WriteJSON(w, status, errorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		utils.WriteJSON(w, status, errorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get(SignatureHeader)
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		utils.WriteJSON(w, status, errorResponse{Error: "missing signature"})
		return
	}

	logger := logging.FromContext(r.Context())
	verified, err := h.reconciler.provider.VerifyEvent(payload, sigHeader)
	if err != nil {
		logger.Warn().Err(err).Msg("Billing webhook signature rejected")
		status = http.StatusBadRequest
		utils.WriteJSON(w, status, errorResponse{Error: "invalid signature"})
		return
	}
	eventType = verified.Type

	ev, err := Decode(verified)
	if err != nil {
		metrics.WebhookOutcomes.WithLabelValues(string(OutcomeRejected)).Inc()
		logger.Warn().Err(err).
			Str("event_id", verified.ID).
			Str("type", verified.Type).
			Msg("Billing webhook payload malformed")
		status = http.StatusBadRequest
		utils.WriteJSON(w, status, errorResponse{Error: "malformed event"})
		return
	}

	outcome, err := h.reconciler.Apply(r.Context(), ev)
	if err != nil {
		status = billingerrors.HTTPStatus(err)
		logger.Error().Err(err).
			Str("event_id", verified.ID).
			Str("type", verified.Type).
			Bool("retryable", billingerrors.IsRetryableError(err)).
			Msg("Billing webhook processing failed")
		if status >= http.StatusInternalServerError {
			utils.WriteJSON(w, status, errorResponse{Error: "processing failed"})
			return
		}
		utils.WriteJSON(w, status, errorResponse{Error: billingerrors.PublicMessage(err)})
		return
	}

	logger.Debug().
		Str("event_id", verified.ID).
		Str("type", verified.Type).
		Str("outcome", string(outcome)).
		Msg("Billing webhook handled")
	status = http.StatusOK
	utils.WriteJSON(w, status, receivedResponse{Received: true})
}
