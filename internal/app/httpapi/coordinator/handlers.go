// Package coordinator wires the GPU-compute marketplace coordinator's HTTP
// surface: fleet discovery, Proof-of-Hardware, authorization, settlement and
// the admin/balance query endpoints. Route composition follows the
// timeout -> tracing -> rate-limit -> handler order; this package is the
// sole translator of typed service errors into HTTP status codes.
package coordinator

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	core "github.com/troop/coordinator/internal/app/core/service"
	"github.com/troop/coordinator/internal/app/services/audit"
	"github.com/troop/coordinator/internal/app/services/credit"
	"github.com/troop/coordinator/internal/app/services/fleet"
	"github.com/troop/coordinator/internal/app/services/placement"
	"github.com/troop/coordinator/internal/app/services/poh"
	"github.com/troop/coordinator/internal/app/services/ticket"
	"github.com/troop/coordinator/internal/app/storage"
	"github.com/troop/coordinator/internal/platform/keys"
	"github.com/troop/coordinator/pkg/logger"
)

// Handler bundles the services each coordinator endpoint depends on.
type Handler struct {
	keys      *keys.Manager
	fleet     *fleet.Registry
	poh       *poh.Service
	placement *placement.Service
	credit    *credit.Service
	tickets   *ticket.Service
	audit     *audit.Sink
	store     storage.LedgerStore

	adminPassword string
	descriptors   []core.Descriptor
	log           *logger.Logger
}

// Deps carries every dependency Handler needs; it exists so New's signature
// stays stable as services are added.
type Deps struct {
	Keys          *keys.Manager
	Fleet         *fleet.Registry
	PoH           *poh.Service
	Placement     *placement.Service
	Credit        *credit.Service
	Tickets       *ticket.Service
	Audit         *audit.Sink
	Store         storage.LedgerStore
	AdminPassword string
	Descriptors   []core.Descriptor
	Log           *logger.Logger
}

// New constructs a Handler.
func New(d Deps) *Handler {
	if d.Log == nil {
		d.Log = logger.NewDefault("httpapi")
	}
	return &Handler{
		keys:          d.Keys,
		fleet:         d.Fleet,
		poh:           d.PoH,
		placement:     d.Placement,
		credit:        d.Credit,
		tickets:       d.Tickets,
		audit:         d.Audit,
		store:         d.Store,
		adminPassword: d.AdminPassword,
		descriptors:   d.Descriptors,
		log:           d.Log,
	}
}

// Router builds the gorilla/mux router exposing every coordinator endpoint.
// Individual handlers are wrapped with rate limiting here; tracing and the
// timeout enforcer wrap the router as a whole in Service.
func (h *Handler) Router(limiterMW func(http.Handler) http.Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/public-key", h.handlePublicKey).Methods(http.MethodGet)

	r.Handle("/heartbeat", limiterMW(http.HandlerFunc(h.handleHeartbeat))).Methods(http.MethodPost)
	r.Handle("/peers", limiterMW(http.HandlerFunc(h.handlePeers))).Methods(http.MethodGet)
	r.Handle("/v1/models", limiterMW(http.HandlerFunc(h.handleModels))).Methods(http.MethodGet)

	r.HandleFunc("/hardware/challenge", h.handleChallenge).Methods(http.MethodPost)
	r.HandleFunc("/hardware/verify", h.handleVerify).Methods(http.MethodPost)

	r.Handle("/authorize", limiterMW(http.HandlerFunc(h.handleAuthorize))).Methods(http.MethodPost)
	r.HandleFunc("/transactions/submit", h.handleSubmitTransaction).Methods(http.MethodPost)

	r.HandleFunc("/users/{public_key}/balance", h.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/users/{public_key}/transactions", h.handleTransactions).Methods(http.MethodGet)

	r.HandleFunc("/admin/audit", h.handleAdminAudit).Methods(http.MethodGet)
	r.HandleFunc("/admin/status", h.handleAdminStatus).Methods(http.MethodGet)

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "troop-coordinator"})
}

func (h *Handler) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	pem, err := h.keys.PublicKeyPEM()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to load public key")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": string(pem)})
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	if err := h.fleet.RecordHeartbeat(r.Context(), body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "seen"})
}

func (h *Handler) handlePeers(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	peers, err := h.fleet.ListPeers(r.Context(), model)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to list peers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(peers), "nodes": peers})
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.fleet.ListAllModels(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to list models")
		return
	}
	data := make([]map[string]string, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]string{"id": m, "object": "model", "owned_by": "monkey-troop"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

type challengeRequest struct {
	NodeID string `json:"node_id"`
}

func (h *Handler) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	challenge, err := h.poh.IssueChallenge(r.Context(), req.NodeID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to issue challenge")
		return
	}
	writeJSON(w, http.StatusOK, challenge)
}

type verifyRequest struct {
	NodeID         string  `json:"node_id"`
	ChallengeToken string  `json:"challenge_token"`
	ProofHash      string  `json:"proof_hash"`
	Duration       float64 `json:"duration"`
	DeviceName     string  `json:"device_name"`
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	result, err := h.poh.VerifyProof(r.Context(), req.NodeID, req.ChallengeToken, req.ProofHash, req.Duration, req.DeviceName)
	switch {
	case errors.Is(err, poh.ErrChallengeExpired):
		writeJSONError(w, http.StatusBadRequest, "challenge_expired", err.Error())
		return
	case errors.Is(err, poh.ErrBadProofFormat):
		writeJSONError(w, http.StatusBadRequest, "bad_proof_format", err.Error())
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to verify proof")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type authorizeRequest struct {
	Model     string `json:"model"`
	Requester string `json:"requester"`
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	ip := clientIP(r)
	ctx := r.Context()

	if _, err := h.credit.EnsureUser(ctx, req.Requester); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to provision account")
		return
	}

	hasBalance, err := h.credit.HasBalance(ctx, req.Requester, credit.EstimatedJobDuration)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to check balance")
		return
	}
	if !hasBalance {
		h.audit.Authorization(ctx, req.Requester, req.Model, "none", ip, false, "insufficient_credits")
		writeJSONError(w, http.StatusPaymentRequired, "insufficient_credits", "insufficient credits for estimated job duration")
		return
	}

	selected, err := h.placement.Select(ctx, req.Model)
	if errors.Is(err, placement.ErrNoCapableIdleWorker) {
		h.audit.Authorization(ctx, req.Requester, req.Model, "none", ip, false, "no_nodes_available")
		writeJSONError(w, http.StatusServiceUnavailable, "no_capable_idle_worker", "no idle node advertises this model")
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to select a worker")
		return
	}

	if err := h.credit.Reserve(ctx, req.Requester, credit.EstimatedJobDuration); err != nil {
		if errors.Is(err, credit.ErrInsufficientCredits) {
			h.audit.Authorization(ctx, req.Requester, req.Model, "none", ip, false, "insufficient_credits")
			writeJSONError(w, http.StatusPaymentRequired, "insufficient_credits", "insufficient credits to reserve job")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to reserve credits")
		return
	}

	token, err := h.tickets.Mint(req.Requester, selected.NodeID, "free-tier")
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to mint ticket")
		return
	}

	h.audit.Authorization(ctx, req.Requester, req.Model, selected.NodeID, ip, true, "")
	writeJSON(w, http.StatusOK, map[string]any{
		"target_ip":      selected.MeshIP,
		"token":          token,
		"estimated_cost": credit.EstimatedJobDuration,
	})
}

type submitReceiptRequest struct {
	JobID              string `json:"job_id"`
	RequesterPublicKey string `json:"requester_public_key"`
	WorkerNodeID       string `json:"worker_node_id"`
	DurationSeconds    int64  `json:"duration_seconds"`
	Signature          string `json:"signature"`
}

func (h *Handler) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req submitReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	ip := clientIP(r)
	ctx := r.Context()

	result, err := h.credit.Settle(ctx, req.JobID, req.RequesterPublicKey, req.WorkerNodeID, req.DurationSeconds, req.Signature)
	if err != nil {
		reason := classifySettleError(err)
		h.audit.Security(ctx, reason, ip, map[string]any{"job_id": req.JobID})
		writeJSONError(w, http.StatusBadRequest, reason, err.Error())
		return
	}

	h.audit.Transaction(ctx, req.JobID, req.RequesterPublicKey, req.WorkerNodeID, req.DurationSeconds, result.CreditsTransferred, ip)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "success",
		"credits_transferred": result.CreditsTransferred,
		"requester_balance":   result.RequesterBalance,
		"worker_balance":      result.WorkerBalance,
	})
}

func classifySettleError(err error) string {
	switch {
	case errors.Is(err, credit.ErrInvalidReceipt):
		return "invalid_receipt"
	case errors.Is(err, credit.ErrUnknownNode):
		return "unknown_node"
	case errors.Is(err, credit.ErrUnknownRequester):
		return "unknown_requester"
	case errors.Is(err, storage.ErrAlreadySettled):
		return "already_settled"
	default:
		return "invalid_receipt"
	}
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	publicKey := mux.Vars(r)["public_key"]
	balance, err := h.credit.Balance(r.Context(), publicKey)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to load balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"public_key":      publicKey,
		"balance_seconds": balance,
		"balance_hours":   float64(balance) / 3600.0,
	})
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	publicKey := mux.Vars(r)["public_key"]
	const defaultTransactionsLimit = 50
	limit := defaultTransactionsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = core.ClampLimit(parsed, defaultTransactionsLimit, core.MaxListLimit)
		}
	}
	txns, err := h.store.ListTransactions(r.Context(), publicKey, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to load transactions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

func (h *Handler) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	_, password, ok := r.BasicAuth()
	if !ok || subtle.ConstantTimeCompare([]byte(password), []byte(h.adminPassword)) != 1 {
		w.Header().Set("WWW-Authenticate", `Basic realm="coordinator-admin"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_admin_credentials", "invalid admin credentials")
		return
	}

	const defaultAuditLimit, maxAuditLimit = 100, 1000
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = core.ClampLimit(parsed, defaultAuditLimit, maxAuditLimit)
		}
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	filter := storage.AuditFilter{
		EventType: r.URL.Query().Get("event_type"),
		UserID:    r.URL.Query().Get("user_id"),
	}

	logs, total, err := h.store.ListAudit(r.Context(), filter, limit, offset)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "failed to load audit logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":   logs,
		"count":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// handleAdminStatus reports the descriptors of every system.Service this
// coordinator process runs, for operators inspecting what's wired in.
func (h *Handler) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	_, password, ok := r.BasicAuth()
	if !ok || subtle.ConstantTimeCompare([]byte(password), []byte(h.adminPassword)) != 1 {
		w.Header().Set("WWW-Authenticate", `Basic realm="coordinator-admin"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_admin_credentials", "invalid admin credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": h.descriptors})
}
