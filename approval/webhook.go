package approval

import (
	"container/list"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/atriumhq/conductor/core"
	"github.com/atriumhq/conductor/telemetry"
)

// Webhook request headers.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderEventID   = "X-Event-Id"
)

const (
	signaturePrefix = "sha256="
	maxWebhookBody  = 1 << 20 // 1 MiB
	dedupCapacity   = 1024
)

// requestIDTag finds an embedded request reference in free-form message
// text, e.g. "Approved! REQUEST_ID=apr-1234". Some channels render the
// separator as a colon, so both forms match.
var requestIDTag = regexp.MustCompile(`REQUEST_ID[=:]([A-Za-z0-9_-]+)`)

// webhookPayload is the decision callback body. Channels differ in what
// they can send, so every correlation and decision field is optional; see
// decision() for how conflicts resolve.
type webhookPayload struct {
	RequestID   string `json:"request_id"`
	ExternalRef string `json:"external_ref"`

	// Directive is an explicit command: "approve" or "reject".
	Directive string `json:"directive"`
	// Reaction is an emoji response, e.g. "+1", "-1", "white_check_mark".
	Reaction string `json:"reaction"`
	// Status is the channel's own resolution state: "approved"/"rejected".
	Status string `json:"status"`

	Text          string `json:"text"`
	ResolverID    string `json:"resolver_id"`
	ResolverRole  string `json:"resolver_role"`
	Justification string `json:"justification"`
}

// decision resolves the payload's signals into approve/reject. A channel
// can carry several at once (a message edit bundles the reaction with the
// new status); an explicit directive always wins over a reaction, which
// wins over the ambient status field.
func (p *webhookPayload) decision() (approve, ok bool) {
	switch strings.ToLower(p.Directive) {
	case "approve":
		return true, true
	case "reject":
		return false, true
	}
	switch p.Reaction {
	case "+1", "thumbsup", "white_check_mark", "✅":
		return true, true
	case "-1", "thumbsdown", "x", "❌":
		return false, true
	}
	switch strings.ToLower(p.Status) {
	case "approved":
		return true, true
	case "rejected":
		return false, true
	}
	return false, false
}

// dedupCache is a fixed-size LRU of delivery IDs. Channels redeliver on
// slow responses; replaying a decision must stay harmless.
type dedupCache struct {
	mu    sync.Mutex
	order *list.List
	seen  map[string]*list.Element
	cap   int
}

func newDedupCache(capacity int) *dedupCache {
	return &dedupCache{
		order: list.New(),
		seen:  make(map[string]*list.Element, capacity),
		cap:   capacity,
	}
}

// observe records the ID and reports whether it was already present.
func (d *dedupCache) observe(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.seen[id]; ok {
		d.order.MoveToFront(el)
		return true
	}
	d.seen[id] = d.order.PushFront(id)
	if d.order.Len() > d.cap {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}
	return false
}

// WebhookHandler receives decision callbacks from external notification
// channels on POST .../{channel}.
type WebhookHandler struct {
	manager *Manager
	cfg     *core.Config
	clock   core.Clock
	logger  core.Logger
	dedup   *dedupCache
}

// NewWebhookHandler creates the handler.
func NewWebhookHandler(manager *Manager, cfg *core.Config, logger core.Logger) *WebhookHandler {
	return &WebhookHandler{
		manager: manager,
		cfg:     cfg,
		clock:   manager.clock,
		logger:  core.ComponentLogger(logger, "approval/webhook"),
		dedup:   newDedupCache(dedupCapacity),
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeWebhookError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}
	channel := r.PathValue("channel")
	if channel == "" {
		// Mounted without a pattern: the channel is the last path segment.
		trimmed := strings.TrimSuffix(r.URL.Path, "/")
		channel = trimmed[strings.LastIndex(trimmed, "/")+1:]
	}
	if channel == "" {
		writeWebhookError(w, http.StatusNotFound, "not_found", "unknown webhook channel")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeWebhookError(w, http.StatusBadRequest, "validation", "unreadable body")
		return
	}

	if code, reason := h.verifySignature(channel, r, body); code != 0 {
		telemetry.Counter("webhook.rejected", "reason", reason)
		h.logger.WarnWithContext(r.Context(), "webhook rejected", map[string]interface{}{
			"channel": channel, "reason": reason,
		})
		writeWebhookError(w, code, "unauthorized", reason)
		return
	}

	if delivery := r.Header.Get(HeaderEventID); delivery != "" {
		if h.dedup.observe(channel + ":" + delivery) {
			telemetry.Counter("webhook.duplicate", "channel", channel)
			writeWebhookJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeWebhookError(w, http.StatusBadRequest, "validation", "malformed JSON payload")
		return
	}

	req, err := h.lookup(r, &payload)
	if err != nil {
		if core.IsNotFound(err) {
			writeWebhookError(w, http.StatusNotFound, "not_found", "no approval request matches this callback")
			return
		}
		writeWebhookError(w, http.StatusInternalServerError, "internal", "lookup failed")
		return
	}

	approve, ok := payload.decision()
	if !ok {
		writeWebhookError(w, http.StatusBadRequest, "validation", "payload carries no decision")
		return
	}

	resolved, err := h.manager.Decide(r.Context(), req.ID, approve,
		payload.ResolverID, payload.ResolverRole, payload.Justification)
	switch {
	case err == nil:
		telemetry.Counter("webhook.decided", "channel", channel, "status", string(resolved.Status))
		writeWebhookJSON(w, http.StatusOK, map[string]string{
			"status":     "ok",
			"request_id": resolved.ID,
			"resolution": string(resolved.Status),
		})
	case errors.Is(err, core.ErrUnauthorized):
		writeWebhookError(w, http.StatusForbidden, "unauthorized", "resolver role not allowed for this risk level")
	case errors.Is(err, core.ErrRiskExpired):
		writeWebhookError(w, http.StatusGone, "expired", "approval request expired")
	case errors.Is(err, core.ErrVersionConflict):
		writeWebhookError(w, http.StatusConflict, "conflict", "approval request already resolved")
	default:
		writeWebhookError(w, http.StatusInternalServerError, "internal", "decision failed")
	}
}

// verifySignature checks HMAC-SHA-256 over "timestamp.body" and bounds
// the timestamp skew. Returns (0, "") when the request is authentic.
func (h *WebhookHandler) verifySignature(channel string, r *http.Request, body []byte) (int, string) {
	secret, ok := h.cfg.WebhookSecrets[channel]
	if !ok || secret == "" {
		if h.cfg.Development {
			return 0, ""
		}
		return http.StatusUnauthorized, "no secret configured for channel"
	}

	tsHeader := r.Header.Get(HeaderTimestamp)
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return http.StatusUnauthorized, "missing or malformed timestamp"
	}
	skew := h.clock.Now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if float64(skew) > h.cfg.ReplayReject.Seconds() {
		return http.StatusUnauthorized, "timestamp outside replay window"
	}

	sig := r.Header.Get(HeaderSignature)
	if !strings.HasPrefix(sig, signaturePrefix) {
		return http.StatusUnauthorized, "missing signature"
	}
	want, err := hex.DecodeString(strings.TrimPrefix(sig, signaturePrefix))
	if err != nil {
		return http.StatusUnauthorized, "malformed signature"
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tsHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	if !hmac.Equal(want, mac.Sum(nil)) {
		return http.StatusUnauthorized, "signature mismatch"
	}
	return 0, ""
}

// lookup correlates the payload with its approval request: explicit
// request_id first, then a REQUEST_ID tag in the message text, then the
// channel's external reference.
func (h *WebhookHandler) lookup(r *http.Request, p *webhookPayload) (*core.ApprovalRequest, error) {
	if p.RequestID != "" {
		return h.manager.Get(r.Context(), p.RequestID)
	}
	if match := requestIDTag.FindStringSubmatch(p.Text); match != nil {
		return h.manager.Get(r.Context(), match[1])
	}
	if p.ExternalRef != "" {
		return h.manager.GetByExternalRef(r.Context(), p.ExternalRef)
	}
	return nil, core.NewError("approval.webhook", "approval", core.ErrNotFound)
}

// Sign computes the signature header value for a webhook body, shared
// with tests and channel integrations.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func writeWebhookJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeWebhookError(w http.ResponseWriter, status int, code, message string) {
	writeWebhookJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}
