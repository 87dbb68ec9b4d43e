package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"batchsettle/core/events"
	nativecommon "batchsettle/native/common"
	"batchsettle/observability"
)

const (
	pathSelf      = "self"
	pathDelegated = "delegated"
	pathWithdraw  = "withdraw"
	pathRefund    = "refund"
)

// Engine settles distribution calls. Every public entry point runs behind a
// single call guard: an entry attempted while another call is active fails
// with ErrReentrantCall. Hosts that accept concurrent work queue it before
// calling in.
type Engine struct {
	ledger     *Ledger
	bank       NativeBank
	dispatcher *Dispatcher
	verifier   *SignatureVerifier
	oracle     MembershipOracle
	feeConfig  FeeConfig
	fees       *FeeCalculator
	vault      common.Address
	domain     Domain
	guard      *nativecommon.CallGuard
	pauses     nativecommon.PauseView
	emitter    events.Emitter
	metrics    *observability.DistributionMetrics
	tracer     trace.Tracer
	logger     *slog.Logger
	nowFn      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLedger sets the execution ledger used by the delegated path and for
// retained balances.
func WithLedger(ledger *Ledger) Option {
	return func(e *Engine) { e.ledger = ledger }
}

// WithBackends wires the asset backends.
func WithBackends(bank NativeBank, tokens TokenLedger, redeemer WrappedNativeRedeemer) Option {
	return func(e *Engine) {
		e.bank = bank
		e.dispatcher = NewDispatcher(bank, tokens, redeemer)
	}
}

// WithVerifier sets the signature verifier.
func WithVerifier(verifier *SignatureVerifier) Option {
	return func(e *Engine) { e.verifier = verifier }
}

// WithMembership sets the fee exemption oracle.
func WithMembership(oracle MembershipOracle) Option {
	return func(e *Engine) { e.oracle = oracle }
}

// WithFees sets the flat fee and treasury.
func WithFees(cfg FeeConfig) Option {
	return func(e *Engine) { e.feeConfig = cfg }
}

// WithVault sets the account that escrows native value during a call and is
// the approved operator for delegated token moves.
func WithVault(vault common.Address) Option {
	return func(e *Engine) { e.vault = vault }
}

// WithDomain sets the signing domain for authorizations and sponsorships.
func WithDomain(domain Domain) Option {
	return func(e *Engine) { e.domain = domain }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine builds an engine. A verifier without a contract caller is
// installed when none is supplied.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		domain:  DefaultDomain(),
		guard:   nativecommon.NewCallGuard(),
		emitter: events.NoopEmitter{},
		metrics: observability.Distribution(),
		tracer:  otel.Tracer("batchsettle/distribution"),
		logger:  slog.Default(),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.verifier == nil {
		e.verifier = NewSignatureVerifier(nil)
	}
	if e.dispatcher == nil {
		e.dispatcher = NewDispatcher(nil, nil, nil)
	}
	e.fees = NewFeeCalculator(e.feeConfig, e.oracle, e.verifier)
	return e
}

// SetEmitter configures the event emitter. Passing nil resets the emitter to
// a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses configures the pause view consulted on every entry point.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetNowFunc overrides the clock. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// Domain returns the signing domain.
func (e *Engine) Domain() Domain { return e.domain }

// Vault returns the escrow account.
func (e *Engine) Vault() common.Address { return e.vault }

// Fee returns the configured flat fee.
func (e *Engine) Fee() *uint256.Int { return e.fees.Fee() }

func (e *Engine) now() time.Time {
	if e.nowFn == nil {
		return time.Now()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

// execution carries one call from validation to settlement.
type execution struct {
	path       string
	call       Call
	kind       AssetKind
	asset      common.Address
	subID      *uint256.Int
	source     common.Address
	operator   common.Address
	recipients []Recipient
	referrer   common.Address
	usage      UsageClass
	auth       *Authorization
	batchID    uint32
	committed  *uint256.Int
	// now is the clock reading the ledger preconditions were checked at.
	now time.Time
}

func (x *execution) transfer(vault common.Address) Transfer {
	return Transfer{
		Kind:     x.kind,
		Asset:    x.asset,
		SubID:    x.subID,
		Source:   x.source,
		Operator: x.operator,
		Vault:    vault,
	}
}

func (e *Engine) enter(ctx context.Context) (context.Context, func(), error) {
	if err := nativecommon.Guard(e.pauses, ModuleName); err != nil {
		return ctx, func() {}, err
	}
	release, err := e.guard.Enter()
	if err != nil {
		return ctx, release, err
	}
	if e.vault == (common.Address{}) {
		release()
		return ctx, func() {}, errNilVault
	}
	return ctx, release, nil
}

func (e *Engine) finish(span trace.Span, path string, usage UsageClass, start time.Time, err error) {
	e.metrics.ObserveCall(path, usage.String(), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "settled")
}

// Distribute runs the self-execute path for the paid variant. Exempt callers
// are classified free and pay no fee.
func (e *Engine) Distribute(ctx context.Context, call Call, req DistributeRequest) (*Result, error) {
	return e.distributeSelf(ctx, call, req, nil, false)
}

// DistributeFree runs the self-execute path for the free variant. The call
// aborts with ErrNotExempt unless the caller is exempt or sponsorSig is a
// valid sponsorship from an exempt account.
func (e *Engine) DistributeFree(ctx context.Context, call Call, req DistributeRequest, sponsorSig []byte) (*Result, error) {
	return e.distributeSelf(ctx, call, req, sponsorSig, true)
}

func (e *Engine) distributeSelf(ctx context.Context, call Call, req DistributeRequest, sponsorSig []byte, free bool) (res *Result, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "distribution.distribute", trace.WithAttributes(
		attribute.String("asset.kind", req.Kind.String()),
		attribute.Int("recipients", len(req.Recipients)),
		attribute.Bool("free", free),
	))
	defer span.End()
	usage := UsagePaid
	defer func() { e.finish(span, pathSelf, usage, start, err) }()

	ctx, release, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	x := &execution{
		path:       pathSelf,
		call:       call,
		kind:       req.Kind,
		asset:      req.Asset,
		subID:      cloneU256(req.SubID),
		source:     call.Caller,
		operator:   call.Caller,
		recipients: req.Recipients,
		referrer:   req.Referrer,
	}
	if err := e.validate(x); err != nil {
		return nil, err
	}
	if usage, err = e.classify(ctx, x, sponsorSig, free); err != nil {
		return nil, err
	}
	x.usage = usage
	if err := e.checkValue(x); err != nil {
		return nil, err
	}
	return e.settle(ctx, x)
}

// DistributeWithAuthorization runs the delegated path for the paid variant:
// the caller relays one batch of a distribution the owner signed.
func (e *Engine) DistributeWithAuthorization(ctx context.Context, call Call, req AuthorizedRequest) (*Result, error) {
	return e.distributeDelegated(ctx, call, req, nil, false)
}

// DistributeWithAuthorizationFree runs the delegated path for the free
// variant.
func (e *Engine) DistributeWithAuthorizationFree(ctx context.Context, call Call, req AuthorizedRequest, sponsorSig []byte) (*Result, error) {
	return e.distributeDelegated(ctx, call, req, sponsorSig, true)
}

func (e *Engine) distributeDelegated(ctx context.Context, call Call, req AuthorizedRequest, sponsorSig []byte, free bool) (res *Result, err error) {
	start := time.Now()
	auth := req.Authorization
	ctx, span := e.tracer.Start(ctx, "distribution.distribute_with_authorization", trace.WithAttributes(
		attribute.String("asset.kind", auth.Kind.String()),
		attribute.String("uuid", auth.UUID.Hex()),
		attribute.Int64("batch.id", int64(req.BatchID)),
		attribute.Int("recipients", len(req.Recipients)),
		attribute.Bool("free", free),
	))
	defer span.End()
	usage := UsagePaid
	defer func() { e.finish(span, pathDelegated, usage, start, err) }()

	ctx, release, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if e.ledger == nil {
		return nil, errNilLedger
	}
	if err := auth.Validate(); err != nil {
		return nil, err
	}
	if auth.Kind == AssetNative {
		return nil, fmt.Errorf("%w: owner native value cannot be pulled, use the wrapped asset", ErrUnsupportedAssetKind)
	}
	x := &execution{
		path:       pathDelegated,
		call:       call,
		kind:       auth.Kind,
		asset:      auth.Asset,
		subID:      cloneU256(auth.SubID),
		operator:   e.vault,
		recipients: req.Recipients,
		referrer:   req.Referrer,
		auth:       &auth,
		batchID:    req.BatchID,
	}
	if err := e.validate(x); err != nil {
		return nil, err
	}
	if req.BatchID >= auth.TotalBatches {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidBatchID, req.BatchID, auth.TotalBatches)
	}
	now := e.now()
	if now.Unix() > auth.Deadline {
		return nil, ErrDeadlineExpired
	}
	x.now = now

	owner, err := e.verifier.Verify(ctx, auth.Digest(e.domain), req.Signature)
	if err != nil {
		return nil, err
	}
	x.source = owner
	leaves := make([]common.Hash, len(req.Recipients))
	for i, r := range req.Recipients {
		leaves[i] = LeafHash(GlobalIndex(req.BatchID, i), r.To, r.value())
	}
	if err := VerifyBatch(auth.MerkleRoot, leaves, req.ProofHashes, req.ProofLengths); err != nil {
		return nil, err
	}
	if err := e.ledger.Check(auth, req.BatchID, x.committed, now); err != nil {
		return nil, err
	}

	if usage, err = e.classify(ctx, x, sponsorSig, free); err != nil {
		return nil, err
	}
	x.usage = usage
	if err := e.checkValue(x); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("owner", owner.Hex()))
	return e.settle(ctx, x)
}

func (e *Engine) validate(x *execution) error {
	if n := len(x.recipients); n == 0 || n > MaxRecipients {
		return fmt.Errorf("%w: %d not in 1..%d", ErrRecipientCount, n, MaxRecipients)
	}
	if !x.kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnsupportedAssetKind, x.kind)
	}
	if err := e.dispatcher.ready(x.kind); err != nil {
		return err
	}
	committed, ok := committedAmount(x.kind, x.recipients)
	if !ok {
		return ErrValueOverflow
	}
	x.committed = committed
	return nil
}

func (e *Engine) classify(ctx context.Context, x *execution, sponsorSig []byte, free bool) (UsageClass, error) {
	var sponsor *Sponsorship
	var digest common.Hash
	if free && len(sponsorSig) > 0 {
		sponsor = &Sponsorship{Signature: sponsorSig}
		digest = SponsorshipDigest(e.domain, x.call.Caller, x.asset, x.kind, x.subID, x.recipients)
	}
	usage, err := e.fees.Classify(ctx, x.call.Caller, sponsor, digest)
	if err != nil {
		return UsagePaid, err
	}
	if free && usage != UsageFree {
		return UsagePaid, ErrNotExempt
	}
	return usage, nil
}

// checkValue enforces that the attached value covers the fee of a paid call
// plus the recipients' total for native distributions.
func (e *Engine) checkValue(x *execution) error {
	required := new(uint256.Int)
	if x.usage == UsagePaid {
		required.Set(e.fees.Fee())
	}
	if x.kind == AssetNative {
		if _, overflow := required.AddOverflow(required, x.committed); overflow {
			return ErrValueOverflow
		}
	}
	if x.call.value().Lt(required) {
		return fmt.Errorf("%w: attached %s, required %s", ErrInsufficientValue, x.call.value().Dec(), required.Dec())
	}
	if !x.call.value().IsZero() && e.bank == nil {
		return errNilBackend
	}
	return nil
}

// settle performs every mutation of a validated call. Escrow and the ledger
// write are the only steps that can still abort; a failed ledger write hands
// the escrow back before returning.
func (e *Engine) settle(ctx context.Context, x *execution) (*Result, error) {
	attached := x.call.value()
	if !attached.IsZero() {
		if err := e.bank.TransferNative(ctx, x.call.Caller, e.vault, attached); err != nil {
			return nil, fmt.Errorf("%w: escrow: %v", ErrInsufficientValue, err)
		}
	}
	if x.auth != nil {
		if err := e.ledger.MarkExecuted(*x.auth, x.batchID, x.committed, x.now); err != nil {
			if !attached.IsZero() {
				if rollbackErr := e.bank.TransferNative(ctx, e.vault, x.call.Caller, attached); rollbackErr != nil {
					e.logger.Error("distribution escrow rollback failed, recorded as pending refund",
						slog.String("caller", x.call.Caller.Hex()),
						slog.String("amount", attached.Dec()),
						slog.Any("error", rollbackErr))
					if pendErr := e.ledger.AddPendingRefund(x.call.Caller, attached); pendErr != nil {
						e.logger.Error("distribution pending refund not recorded", slog.Any("error", pendErr))
					}
				}
			}
			return nil, err
		}
	}

	spent := new(uint256.Int)
	if x.usage == UsagePaid {
		fee := e.fees.Fee()
		spent.Set(fee)
		if !fee.IsZero() {
			e.payFees(ctx, x)
		}
	}

	result := &Result{
		Distributed: new(uint256.Int),
		Failed:      []FailedTransfer{},
		Usage:       x.usage,
		Refund:      new(uint256.Int),
		Owner:       x.source,
	}
	sourceRefund := new(uint256.Int)
	transfer := x.transfer(e.vault)
	for _, r := range x.recipients {
		out := e.dispatcher.Dispatch(ctx, transfer, r)
		if out.Delivered {
			result.Distributed.Add(result.Distributed, out.Units)
			if x.kind == AssetNative {
				spent.Add(spent, out.Units)
			}
			continue
		}
		if x.kind == AssetWrappedNative && out.Refundable != nil {
			sourceRefund.Add(sourceRefund, out.Refundable)
		}
		if out.Stranded != nil && !out.Stranded.IsZero() {
			e.strand(x.source, x.asset, out.Stranded)
		}
		if out.Skipped {
			continue
		}
		result.Failed = append(result.Failed, FailedTransfer{To: r.To, Value: cloneU256(r.value()), Reason: out.Reason})
		e.logger.Warn("distribution transfer skipped",
			slog.String("kind", x.kind.String()),
			slog.String("to", r.To.Hex()),
			slog.String("value", r.value().Dec()),
			slog.String("reason", string(out.Reason)))
		e.emit(events.TransferSkipped{Distributor: x.source, To: r.To, Value: cloneU256(r.value()), Reason: out.Reason})
	}

	callerRefund := new(uint256.Int).Sub(attached, spent)
	if x.source == x.call.Caller {
		callerRefund.Add(callerRefund, sourceRefund)
		sourceRefund.Clear()
	}
	result.Refund = e.refund(ctx, x.call.Caller, callerRefund)
	e.refund(ctx, x.source, sourceRefund)

	e.metrics.RecordTransferFailures(x.kind.String(), len(result.Failed))
	e.metrics.RecordDistributed(x.kind.String(), result.Distributed)
	executed := events.DistributionExecuted{
		Distributor: x.source,
		Asset:       x.asset,
		AssetKind:   x.kind.String(),
		Recipients:  len(x.recipients),
		Amount:      cloneU256(result.Distributed),
		Failed:      len(result.Failed),
		Usage:       x.usage.String(),
	}
	if x.auth != nil {
		executed.Delegated = true
		executed.Relayer = x.call.Caller
		executed.UUID = [32]byte(x.auth.UUID)
		executed.BatchID = x.batchID
	}
	e.emit(executed)
	return result, nil
}

func (e *Engine) payFees(ctx context.Context, x *execution) {
	receipt := e.fees.Settle(ctx, e.bank, e.vault, x.call.Caller, x.referrer)
	if receipt.Referrer != (common.Address{}) {
		paid := !receipt.ReferralPaid.IsZero()
		e.metrics.RecordFeePayment("referrer", paid)
		if paid {
			e.emit(events.ReferralPaid{Distributor: x.source, Referrer: receipt.Referrer, Amount: receipt.ReferralPaid})
		} else {
			e.logger.Warn("distribution referral payment failed",
				slog.String("referrer", receipt.Referrer.Hex()))
		}
	}
	if !receipt.TreasuryPaid.IsZero() {
		e.metrics.RecordFeePayment("treasury", true)
		e.emit(events.TreasuryFeePaid{Distributor: x.source, Treasury: e.fees.Treasury(), Amount: receipt.TreasuryPaid})
	}
	if receipt.Retained.IsZero() {
		return
	}
	e.metrics.RecordFeePayment("treasury", false)
	e.logger.Warn("distribution treasury payment failed, fee retained",
		slog.String("treasury", e.fees.Treasury().Hex()),
		slog.String("amount", receipt.Retained.Dec()))
	if e.ledger == nil {
		e.logger.Error("distribution retained fee not recorded: ledger not configured",
			slog.String("amount", receipt.Retained.Dec()))
		return
	}
	if err := e.ledger.AddRetainedFees(receipt.Retained); err != nil {
		e.logger.Error("distribution retained fee not recorded",
			slog.String("amount", receipt.Retained.Dec()),
			slog.Any("error", err))
	}
}

// strand records wrapped units the vault keeps for owner after a failed
// unwrap could not be handed back.
func (e *Engine) strand(owner, token common.Address, amount *uint256.Int) {
	e.logger.Error("distribution wrapped units stranded in vault",
		slog.String("owner", owner.Hex()),
		slog.String("token", token.Hex()),
		slog.String("amount", amount.Dec()))
	e.metrics.RecordStranded(amount)
	if e.ledger == nil {
		e.logger.Error("distribution stranded units not recorded: ledger not configured")
		return
	}
	if err := e.ledger.AddStrandedUnits(token, owner, amount); err != nil {
		e.logger.Error("distribution stranded units not recorded", slog.Any("error", err))
		return
	}
	e.emit(events.UnitsStranded{Owner: owner, Token: token, Amount: cloneU256(amount)})
}

// refund returns amount from the vault to account. A refund that cannot be
// delivered is recorded as pending and can be claimed with ClaimRefund.
func (e *Engine) refund(ctx context.Context, account common.Address, amount *uint256.Int) *uint256.Int {
	if amount == nil || amount.IsZero() {
		return new(uint256.Int)
	}
	if err := safeTransfer(ctx, e.bank, e.vault, account, amount); err != nil {
		e.logger.Warn("distribution refund failed, recorded as pending",
			slog.String("to", account.Hex()),
			slog.String("amount", amount.Dec()),
			slog.Any("error", err))
		if e.ledger == nil {
			e.logger.Error("distribution pending refund not recorded: ledger not configured")
		} else if err := e.ledger.AddPendingRefund(account, amount); err != nil {
			e.logger.Error("distribution pending refund not recorded", slog.Any("error", err))
		}
		return new(uint256.Int)
	}
	e.emit(events.RefundIssued{To: account, Amount: cloneU256(amount)})
	return cloneU256(amount)
}

// WithdrawRetainedFees sends fees retained after failed treasury payments to
// the treasury. Only the treasury may call it.
func (e *Engine) WithdrawRetainedFees(ctx context.Context, call Call) (amount *uint256.Int, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "distribution.withdraw_retained_fees")
	defer span.End()
	defer func() { e.finish(span, pathWithdraw, UsagePaid, start, err) }()

	ctx, release, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	if e.ledger == nil {
		return nil, errNilLedger
	}
	treasury := e.fees.Treasury()
	if treasury == (common.Address{}) || call.Caller != treasury {
		return nil, ErrUnauthorizedWithdrawal
	}
	amount, err = e.payOut(ctx, treasury, e.ledger.TakeRetainedFees, e.ledger.AddRetainedFees)
	if err != nil {
		return nil, err
	}
	e.emit(events.FeesWithdrawn{Treasury: treasury, Amount: cloneU256(amount)})
	return amount, nil
}

// ClaimRefund sends the caller any refund that could not be delivered during
// an earlier call.
func (e *Engine) ClaimRefund(ctx context.Context, call Call) (amount *uint256.Int, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "distribution.claim_refund")
	defer span.End()
	defer func() { e.finish(span, pathRefund, UsagePaid, start, err) }()

	ctx, release, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	if e.ledger == nil {
		return nil, errNilLedger
	}
	caller := call.Caller
	amount, err = e.payOut(ctx, caller,
		func() (*uint256.Int, error) { return e.ledger.TakePendingRefund(caller) },
		func(v *uint256.Int) error { return e.ledger.AddPendingRefund(caller, v) })
	if err != nil {
		return nil, err
	}
	e.emit(events.RefundIssued{To: caller, Amount: cloneU256(amount)})
	return amount, nil
}

// ClaimStrandedUnits hands the caller the wrapped units of token the vault
// kept for it after a failed unwrap.
func (e *Engine) ClaimStrandedUnits(ctx context.Context, call Call, token common.Address) (amount *uint256.Int, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "distribution.claim_stranded_units", trace.WithAttributes(
		attribute.String("token", token.Hex()),
	))
	defer span.End()
	defer func() { e.finish(span, pathRefund, UsagePaid, start, err) }()

	ctx, release, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if e.dispatcher == nil || e.dispatcher.tokens == nil {
		return nil, errNilBackend
	}
	caller := call.Caller
	amount, err = e.ledger.TakeStrandedUnits(token, caller)
	if err != nil {
		return nil, err
	}
	if err := e.dispatcher.tokens.TransferFungible(ctx, token, e.vault, e.vault, caller, amount); err != nil {
		if restoreErr := e.ledger.AddStrandedUnits(token, caller, amount); restoreErr != nil {
			return nil, errors.Join(err, restoreErr)
		}
		return nil, fmt.Errorf("distribution: stranded units transfer: %w", err)
	}
	return amount, nil
}

// payOut moves a ledger-held balance out of the vault, restoring the balance
// when the transfer fails.
func (e *Engine) payOut(ctx context.Context, to common.Address, take func() (*uint256.Int, error), restore func(*uint256.Int) error) (*uint256.Int, error) {
	if e.bank == nil {
		return nil, errNilBackend
	}
	amount, err := take()
	if err != nil {
		return nil, err
	}
	if err := safeTransfer(ctx, e.bank, e.vault, to, amount); err != nil {
		if restoreErr := restore(amount); restoreErr != nil {
			return nil, errors.Join(err, restoreErr)
		}
		return nil, fmt.Errorf("distribution: withdrawal transfer: %w", err)
	}
	return amount, nil
}

// IsBatchExecuted reports whether batchID of uuid has executed.
func (e *Engine) IsBatchExecuted(uuid common.Hash, batchID uint32) (bool, error) {
	if e.ledger == nil {
		return false, errNilLedger
	}
	return e.ledger.IsExecuted(uuid, batchID)
}

// Progress reports the execution progress of uuid.
func (e *Engine) Progress(uuid common.Hash) (Progress, error) {
	if e.ledger == nil {
		return Progress{}, errNilLedger
	}
	return e.ledger.Progress(uuid)
}

// RetainedFees reports fees held in the vault for the treasury.
func (e *Engine) RetainedFees() (*uint256.Int, error) {
	if e.ledger == nil {
		return nil, errNilLedger
	}
	return e.ledger.RetainedFees()
}

// StrandedUnits reports wrapped units of token the vault holds for account.
func (e *Engine) StrandedUnits(token, account common.Address) (*uint256.Int, error) {
	if e.ledger == nil {
		return nil, errNilLedger
	}
	return e.ledger.StrandedUnits(token, account)
}

// PendingRefund reports native value owed to account.
func (e *Engine) PendingRefund(account common.Address) (*uint256.Int, error) {
	if e.ledger == nil {
		return nil, errNilLedger
	}
	return e.ledger.PendingRefund(account)
}
