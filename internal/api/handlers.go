// Package api is the HTTP Surface (spec §4.6): subscription lifecycle
// endpoints, the webhook ingest routes, and the operational endpoints
// (health/ready/live/metrics/config).
package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/webhook-relay/internal/apierr"
	"github.com/kenneth/webhook-relay/internal/audit"
	"github.com/kenneth/webhook-relay/internal/chunk"
	"github.com/kenneth/webhook-relay/internal/config"
	"github.com/kenneth/webhook-relay/internal/metrics"
	"github.com/kenneth/webhook-relay/internal/push"
	"github.com/kenneth/webhook-relay/internal/queue"
	"github.com/kenneth/webhook-relay/internal/ratelimit"
	"github.com/kenneth/webhook-relay/internal/store"
)

const maxSubscribeBodyBytes = 8 * 1024

// Handler wires the Subscription Store, Rate Limiter, Chunker, and
// Disk Queue into the HTTP surface.
type Handler struct {
	store   *store.Store
	queue   *queue.Queue
	limiter ratelimit.Limiter
	cfg     *config.Config
	vapid   *push.VAPIDSigner
	logger  *logrus.Logger
	metrics *metrics.Metrics
	audit   audit.Logger
}

// NewHandler constructs a Handler.
func NewHandler(st *store.Store, q *queue.Queue, limiter ratelimit.Limiter, cfg *config.Config, vapid *push.VAPIDSigner, logger *logrus.Logger, m *metrics.Metrics, al audit.Logger) *Handler {
	return &Handler{store: st, queue: q, limiter: limiter, cfg: cfg, vapid: vapid, logger: logger, metrics: m, audit: al}
}

// RegisterRoutes registers every route on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/live", h.handleLive).Methods(http.MethodGet)
	r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/api/config", h.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/subscribe", h.handleSubscribe).Methods(http.MethodPost)
	r.HandleFunc("/api/subscribe/{uuid}", h.handleUnsubscribe).Methods(http.MethodDelete)

	r.PathPrefix("/hook/{uuid}").HandlerFunc(h.handleWebhook)
	r.PathPrefix("/{uuid}").HandlerFunc(h.handleWebhook)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.HealthHandler()(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, "/health", http.StatusOK, time.Since(start), 0)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.ReadinessHandler(nil)(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, "/ready", http.StatusOK, time.Since(start), 0)
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.LivenessHandler()(w, r)
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, "/live", http.StatusOK, time.Since(start), 0)
}

// handleGetConfig returns the public VAPID key, consumed by the
// browser subscribing client.
func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.vapid.PublicKey()})
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256DH string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type subscribeResponse struct {
	UUID        string `json:"uuid"`
	URL         string `json:"url"`
	DeleteToken string `json:"delete_token"`
}

// handleSubscribe validates and durably stores a new subscription.
func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req subscribeRequest
	body := http.MaxBytesReader(w, r.Body, maxSubscribeBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeErr(w, r, start, apierr.InvalidSubscription("malformed subscription body"))
		return
	}

	p256dh, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(req.Keys.P256DH, "="))
	if err != nil {
		h.writeErr(w, r, start, apierr.InvalidSubscription("p256dh is not valid base64url"))
		return
	}
	auth, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(req.Keys.Auth, "="))
	if err != nil {
		h.writeErr(w, r, start, apierr.InvalidSubscription("auth is not valid base64url"))
		return
	}

	sub, err := h.store.Create(store.NewSubscription{Endpoint: req.Endpoint, P256DH: p256dh, Auth: auth})
	if err != nil {
		h.metrics.RecordSubscriptionCreated("rejected")
		if h.audit != nil {
			h.audit.LogSubscriptionEvent(audit.EventTypeCreate, "", false, err, time.Since(start))
		}
		h.writeErr(w, r, start, err)
		return
	}

	h.metrics.RecordSubscriptionCreated("created")
	if h.audit != nil {
		h.audit.LogSubscriptionEvent(audit.EventTypeCreate, sub.UUID, true, nil, time.Since(start))
	}
	writeJSON(w, http.StatusOK, subscribeResponse{
		UUID:        sub.UUID,
		URL:         h.cfg.PublicBaseURL + "/hook/" + sub.UUID,
		DeleteToken: sub.DeleteToken,
	})
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, "/api/subscribe", http.StatusOK, time.Since(start), 0)
}

// handleUnsubscribe deletes a subscription given its delete token.
func (h *Handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	uuid := mux.Vars(r)["uuid"]
	token := r.Header.Get("X-Delete-Token")
	if token == "" {
		h.writeErr(w, r, start, apierr.AuthMissing("missing X-Delete-Token header"))
		return
	}

	if err := h.store.Delete(uuid, token); err != nil {
		if h.audit != nil {
			h.audit.LogSubscriptionEvent(audit.EventTypeDelete, uuid, false, err, time.Since(start))
		}
		h.writeErr(w, r, start, err)
		return
	}
	if f, ok := h.limiter.(interface{ Forget(string) }); ok {
		f.Forget(uuid)
	}

	h.metrics.RecordSubscriptionDeleted("requested")
	if h.audit != nil {
		h.audit.LogSubscriptionEvent(audit.EventTypeDelete, uuid, true, nil, time.Since(start))
	}
	w.WriteHeader(http.StatusNoContent)
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, "/api/subscribe/*", http.StatusNoContent, time.Since(start), 0)
}

// handleWebhook accepts any method/body/headers addressed to a
// subscriber's short URL, frames and chunks it, and enqueues the
// result on the Disk Queue (spec §4.3/§4.6).
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	uuid := mux.Vars(r)["uuid"]

	sub, err := h.store.Get(uuid)
	if err != nil {
		h.writeErr(w, r, start, err)
		return
	}
	if sub == nil {
		h.writeErr(w, r, start, apierr.NotFound("unknown subscription"))
		return
	}

	if !h.limiter.Admit(uuid, h.cfg.RateLimitPerMinute()) {
		h.metrics.RecordRateLimitRejection()
		h.writeErr(w, r, start, apierr.RateLimited("rate limit exceeded for this subscription"))
		return
	}

	meta := chunk.MetaFromRequest(r, sourceIP(r), start)
	opts := chunk.Options{
		TargetUUID:      uuid,
		ChunkDataBytes:  h.cfg.ChunkDataBytes,
		MaxPayloadBytes: h.cfg.MaxPayloadBytes,
		ReadIdleTimeout: h.cfg.WebhookReadTimeout(),
	}

	requestID, err := chunk.Run(r.Context(), meta, r.Body, opts, func(env chunk.Envelope) error {
		data, marshalErr := json.Marshal(env)
		if marshalErr != nil {
			return marshalErr
		}
		_, enqueueErr := h.queue.Enqueue(env.TargetUUID, env.RequestID, data)
		if enqueueErr != nil {
			return enqueueErr
		}
		h.metrics.RecordChunkEnqueued()
		return nil
	})
	if err != nil {
		if requestID != "" {
			if abortErr := h.queue.AbortRequest(requestID); abortErr != nil && h.logger != nil {
				h.logger.WithError(abortErr).Warn("api: rollback of partial request failed")
			}
		}
		h.recordChunkRejection(err)
		h.writeErr(w, r, start, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, "/hook/*", http.StatusAccepted, time.Since(start), 0)
}

func (h *Handler) recordChunkRejection(err error) {
	switch {
	case apierr.Is(err, apierr.KindPayloadTooLarge):
		h.metrics.RecordChunkRejected("payload_too_large")
	case apierr.Is(err, apierr.KindReadTimeout):
		h.metrics.RecordChunkRejected("read_timeout")
	case apierr.Is(err, apierr.KindQueueFull):
		h.metrics.RecordChunkRejected("queue_full")
	default:
		h.metrics.RecordChunkRejected("other")
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, start time.Time, err error) {
	status := apierr.HTTPStatus(err)
	if h.logger != nil {
		h.logger.WithError(err).WithField("path", r.URL.Path).Warn("api: request failed")
	}
	http.Error(w, err.Error(), status)
	h.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, status, time.Since(start), 0)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	return r.RemoteAddr
}
