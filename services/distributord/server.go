package distributord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	nativecommon "batchsettle/native/common"
	"batchsettle/native/distribution"
	"batchsettle/native/system/quotas"
	"batchsettle/observability"
)

const (
	maxBodyBytes = 1 << 20
	quotaScope   = "distributord"

	routeSelf      = "self"
	routeDelegated = "delegated"
)

// Engine is the subset of the distribution engine the daemon drives.
type Engine interface {
	Distribute(ctx context.Context, call distribution.Call, req distribution.DistributeRequest) (*distribution.Result, error)
	DistributeFree(ctx context.Context, call distribution.Call, req distribution.DistributeRequest, sponsorSig []byte) (*distribution.Result, error)
	DistributeWithAuthorization(ctx context.Context, call distribution.Call, req distribution.AuthorizedRequest) (*distribution.Result, error)
	DistributeWithAuthorizationFree(ctx context.Context, call distribution.Call, req distribution.AuthorizedRequest, sponsorSig []byte) (*distribution.Result, error)
	WithdrawRetainedFees(ctx context.Context, call distribution.Call) (*uint256.Int, error)
	ClaimRefund(ctx context.Context, call distribution.Call) (*uint256.Int, error)
	IsBatchExecuted(uuid common.Hash, batchID uint32) (bool, error)
	Progress(uuid common.Hash) (distribution.Progress, error)
	RetainedFees() (*uint256.Int, error)
	PendingRefund(account common.Address) (*uint256.Int, error)
	Fee() *uint256.Int
	Domain() distribution.Domain
	Vault() common.Address
}

// Options wires a Server.
type Options struct {
	Engine  Engine
	Relayer common.Address
	Journal *Journal
	Stream  *EventStream
	Quotas  *quotas.Store
	Quota   nativecommon.Quota
	Auth    *Authenticator
	Limiter *RateLimiter
	Metrics *observability.DaemonMetrics
	Logger  *slog.Logger
	NowFn   func() time.Time
}

// Server exposes the relayer HTTP API.
type Server struct {
	engine  Engine
	relayer common.Address
	journal *Journal
	stream  *EventStream
	quotas  *quotas.Store
	quota   nativecommon.Quota
	auth    *Authenticator
	limiter *RateLimiter
	metrics *observability.DaemonMetrics
	logger  *slog.Logger
	nowFn   func() time.Time

	// engineMu queues engine mutations; the engine itself rejects overlap.
	engineMu sync.Mutex
	keys     keyLocks
}

// keyLocks hands out one mutex per idempotency fingerprint so a retry that
// races its original waits for it and then replays.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) func() {
	if key == "" {
		return func() {}
	}
	k.mu.Lock()
	if k.held == nil {
		k.held = make(map[string]*keyLock)
	}
	l := k.held[key]
	if l == nil {
		l = &keyLock{}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}

// NewServer validates opts and builds the server.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("distributord: engine required")
	}
	if opts.Journal == nil {
		return nil, errors.New("distributord: journal required")
	}
	if opts.Relayer == (common.Address{}) {
		return nil, errors.New("distributord: relayer account required")
	}
	if opts.Stream == nil {
		opts.Stream = NewEventStream(StreamConfig{})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NowFn == nil {
		opts.NowFn = time.Now
	}
	return &Server{
		engine:  opts.Engine,
		relayer: opts.Relayer,
		journal: opts.Journal,
		stream:  opts.Stream,
		quotas:  opts.Quotas,
		quota:   opts.Quota,
		auth:    opts.Auth,
		limiter: opts.Limiter,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		nowFn:   opts.NowFn,
	}, nil
}

// Handler builds the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require(ScopeRead))
			r.With(observe(s.metrics, "info")).Get("/info", s.handleInfo)
			r.With(observe(s.metrics, "progress")).Get("/distributions/{uuid}/progress", s.handleProgress)
			r.With(observe(s.metrics, "batch")).Get("/distributions/{uuid}/batches/{batchID}", s.handleBatch)
			r.With(observe(s.metrics, "submissions")).Get("/distributions/{uuid}/submissions", s.handleSubmissions)
			r.With(observe(s.metrics, "retained_fees")).Get("/fees/retained", s.handleRetainedFees)
			r.With(observe(s.metrics, "pending_refund")).Get("/refunds/{account}", s.handlePendingRefund)
			r.With(observe(s.metrics, "events")).Get("/events/ws", s.stream.ServeHTTP)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require(ScopeSubmit))
			r.Use(s.limiter.Middleware)
			r.With(observe(s.metrics, "submit_self")).Post("/distributions/self", s.handleSelf)
			r.With(observe(s.metrics, "submit_delegated")).Post("/distributions/delegated", s.handleDelegated)
			r.With(observe(s.metrics, "claim_refund")).Post("/refunds/claim", s.handleClaimRefund)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require(ScopeAdmin))
			r.With(observe(s.metrics, "withdraw_fees")).Post("/fees/withdraw", s.handleWithdrawFees)
		})
	})

	return otelhttp.NewHandler(r, "distributord")
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	domain := s.engine.Domain()
	chainID := "0"
	if domain.ChainID != nil {
		chainID = domain.ChainID.String()
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"relayer":           s.relayer.Hex(),
		"vault":             s.engine.Vault().Hex(),
		"fee":               amountString(s.engine.Fee()),
		"domainName":        domain.Name,
		"domainVersion":     domain.Version,
		"chainId":           chainID,
		"verifyingContract": domain.VerifyingContract.Hex(),
		"domainSeparator":   domain.Separator().Hex(),
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	uuid, err := parseHash("uuid", chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	progress, err := s.engine.Progress(uuid)
	if err != nil {
		s.fail(w, r, "progress", err)
		return
	}
	writeJSON(w, http.StatusOK, ProgressJSON{
		UUID:            uuid.Hex(),
		ExecutedBatches: progress.ExecutedBatches,
		TotalBatches:    progress.TotalBatches,
		Distributed:     amountString(progress.Distributed),
		Complete:        progress.Complete(),
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	uuid, err := parseHash("uuid", chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	batchID, err := strconv.ParseUint(chi.URLParam(r, "batchID"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return
	}
	executed, err := s.engine.IsBatchExecuted(uuid, uint32(batchID))
	if err != nil {
		s.fail(w, r, "batch", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uuid":     uuid.Hex(),
		"batchId":  uint32(batchID),
		"executed": executed,
	})
}

func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	uuid, err := parseHash("uuid", chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.journal.ForDistribution(r.Context(), uuid.Hex(), limit)
	if err != nil {
		s.fail(w, r, "submissions", err)
		return
	}
	type entry struct {
		ID        string `json:"id"`
		BatchID   uint32 `json:"batchId"`
		Outcome   string `json:"outcome"`
		Status    int    `json:"status"`
		Error     string `json:"error,omitempty"`
		CreatedAt int64  `json:"createdAt"`
	}
	out := make([]entry, 0, len(records))
	for _, rec := range records {
		out = append(out, entry{
			ID:        rec.ID,
			BatchID:   rec.BatchID,
			Outcome:   rec.Outcome,
			Status:    rec.Status,
			Error:     rec.Error,
			CreatedAt: rec.CreatedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"uuid": uuid.Hex(), "submissions": out})
}

func (s *Server) handleRetainedFees(w http.ResponseWriter, r *http.Request) {
	amount, err := s.engine.RetainedFees()
	if err != nil {
		s.fail(w, r, "retained_fees", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amountString(amount)})
}

func (s *Server) handlePendingRefund(w http.ResponseWriter, r *http.Request) {
	account, err := parseAccount("account", chi.URLParam(r, "account"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := s.engine.PendingRefund(account)
	if err != nil {
		s.fail(w, r, "pending_refund", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": account.Hex(), "amount": amountString(amount)})
}

func (s *Server) handleWithdrawFees(w http.ResponseWriter, r *http.Request) {
	s.engineMu.Lock()
	amount, err := s.engine.WithdrawRetainedFees(r.Context(), distribution.Call{Caller: s.relayer})
	s.engineMu.Unlock()
	if err != nil {
		s.fail(w, r, "withdraw_fees", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amountString(amount)})
}

func (s *Server) handleClaimRefund(w http.ResponseWriter, r *http.Request) {
	s.engineMu.Lock()
	amount, err := s.engine.ClaimRefund(r.Context(), distribution.Call{Caller: s.relayer})
	s.engineMu.Unlock()
	if err != nil {
		s.fail(w, r, "claim_refund", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"account": s.relayer.Hex(), "amount": amountString(amount)})
}

// submission carries a decoded submit request through the shared pipeline.
type submission struct {
	route      string
	recipients int
	value      *uint256.Int
	uuid       common.Hash
	batchID    uint32
	delegated  bool
	run        func(ctx context.Context, call distribution.Call) (*distribution.Result, error)
}

func (s *Server) handleSelf(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, routeSelf, func(body []byte) (*submission, error) {
		var payload SelfRequest
		if err := decodeStrict(body, &payload); err != nil {
			return nil, err
		}
		req, err := payload.Request()
		if err != nil {
			return nil, err
		}
		value, err := parseAmount("value", payload.Value)
		if err != nil {
			return nil, err
		}
		sponsorSig, err := parseBytes("sponsorSignature", payload.SponsorSignature)
		if err != nil {
			return nil, err
		}
		if value == nil {
			value = s.defaultValue(req.Kind, req.Recipients, payload.Free)
		}
		return &submission{
			route:      routeSelf,
			recipients: len(req.Recipients),
			value:      value,
			run: func(ctx context.Context, call distribution.Call) (*distribution.Result, error) {
				if payload.Free {
					return s.engine.DistributeFree(ctx, call, req, sponsorSig)
				}
				return s.engine.Distribute(ctx, call, req)
			},
		}, nil
	})
}

func (s *Server) handleDelegated(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, routeDelegated, func(body []byte) (*submission, error) {
		var payload DelegatedRequest
		if err := decodeStrict(body, &payload); err != nil {
			return nil, err
		}
		req, err := payload.Request()
		if err != nil {
			return nil, err
		}
		value, err := parseAmount("value", payload.Value)
		if err != nil {
			return nil, err
		}
		sponsorSig, err := parseBytes("sponsorSignature", payload.SponsorSignature)
		if err != nil {
			return nil, err
		}
		if value == nil {
			value = s.defaultValue(req.Authorization.Kind, nil, payload.Free)
		}
		return &submission{
			route:      routeDelegated,
			recipients: len(req.Recipients),
			value:      value,
			uuid:       req.Authorization.UUID,
			batchID:    req.BatchID,
			delegated:  true,
			run: func(ctx context.Context, call distribution.Call) (*distribution.Result, error) {
				if payload.Free {
					return s.engine.DistributeWithAuthorizationFree(ctx, call, req, sponsorSig)
				}
				return s.engine.DistributeWithAuthorization(ctx, call, req)
			},
		}, nil
	})
}

// defaultValue is the value attached when the client leaves it out: the fee
// of a paid call plus the recipients' total for native distributions.
func (s *Server) defaultValue(kind distribution.AssetKind, recipients []distribution.Recipient, free bool) *uint256.Int {
	value := new(uint256.Int)
	if !free {
		value.Set(s.engine.Fee())
	}
	if kind == distribution.AssetNative {
		for _, r := range recipients {
			if r.Value != nil {
				value.Add(value, r.Value)
			}
		}
	}
	return value
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, route string, decode func([]byte) (*submission, error)) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	client := clientKey(r)
	bodyHash := BodyHash(body)
	var key string
	if raw := strings.TrimSpace(r.Header.Get("Idempotency-Key")); raw != "" {
		key = Fingerprint(client, route, raw)
	}
	sub, err := decode(body)
	if err != nil {
		s.fail(w, r, route, err)
		return
	}

	unlock := s.keys.lock(key)
	defer unlock()
	stored, found, err := s.journal.Claim(ctx, key, bodyHash)
	if err != nil {
		s.fail(w, r, route, err)
		return
	}
	if found {
		w.Header().Set("Idempotent-Replay", "true")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(stored.Status)
		_, _ = io.WriteString(w, stored.Response)
		return
	}
	record := &Submission{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		BodyHash:       bodyHash,
		Route:          route,
		Client:         client,
		BatchID:        sub.batchID,
		Delegated:      sub.delegated,
	}
	if sub.delegated {
		record.DistributionUUID = strings.ToLower(sub.uuid.Hex())
	}

	if s.quotas != nil {
		now := s.nowFn()
		if _, err := s.quotas.Consume(quotaScope, s.quota, now, []byte(client), uint64(sub.recipients)); err != nil {
			s.metrics.RecordThrottle("quota_exceeded")
			if wait := s.quota.RetryAfter(now); wait > 0 && !errors.Is(err, nativecommon.ErrQuotaBatchTooLarge) {
				w.Header().Set("Retry-After", strconv.FormatInt(int64((wait+time.Second-1)/time.Second), 10))
			}
			s.reject(w, r, record, err)
			return
		}
	}

	s.engineMu.Lock()
	res, err := sub.run(ctx, distribution.Call{Caller: s.relayer, Value: sub.value})
	s.engineMu.Unlock()
	if err != nil {
		s.reject(w, r, record, err)
		return
	}
	payload := resultToJSON(res)
	payload.SubmissionID = record.ID
	if sub.delegated {
		payload.UUID = sub.uuid.Hex()
		id := sub.batchID
		payload.BatchID = &id
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		// Settled without a replayable body; keep the key pinned as pending.
		s.fail(w, r, route, err)
		return
	}
	record.Status = http.StatusOK
	record.Outcome = OutcomeSettled
	record.Response = string(encoded)
	// The call has settled; a journal failure must not turn it into an error.
	if err := s.journal.Record(context.WithoutCancel(ctx), record); err != nil {
		s.logger.Error("journal write failed", slog.String("submission", record.ID), slog.Any("error", err))
	}
	s.logger.Info("distribution settled",
		slog.String("route", route),
		slog.String("submission", record.ID),
		slog.String("owner", res.Owner.Hex()),
		slog.String("distributed", amountString(res.Distributed)),
		slog.Int("failed", len(res.Failed)),
		slog.String("usage", res.Usage.String()))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, record *Submission, err error) {
	status, code := statusFor(err)
	record.Status = status
	record.Outcome = OutcomeAborted
	record.Error = err.Error()
	bg := context.WithoutCancel(r.Context())
	if jerr := s.journal.Record(bg, record); jerr != nil {
		s.logger.Error("journal write failed", slog.Any("error", jerr))
		// Nothing settled, so the key must stay usable for a retry.
		if rerr := s.journal.Release(bg, record.IdempotencyKey); rerr != nil {
			s.logger.Error("idempotency claim release failed", slog.Any("error", rerr))
		}
	}
	s.logger.Warn("distribution rejected",
		slog.String("route", record.Route),
		slog.String("client", record.Client),
		slog.Int("status", status),
		slog.Any("error", err))
	writeJSON(w, status, ErrorJSON{Error: err.Error(), Code: code})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, route string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("route", route),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Any("error", err))
		writeJSON(w, status, ErrorJSON{Error: "internal error", Code: code})
		return
	}
	writeJSON(w, status, ErrorJSON{Error: err.Error(), Code: code})
}

func decodeStrict(body []byte, dst interface{}) error {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalid("body", err)
	}
	if dec.More() {
		return invalid("body", fmt.Errorf("trailing data"))
	}
	return nil
}
