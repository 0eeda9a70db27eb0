package core

import (
	"StakeFlow/internal/balance"
	"StakeFlow/internal/event"
	"StakeFlow/internal/gateway"
	fpmath "StakeFlow/internal/math"
	"StakeFlow/internal/observability"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Synchronizer is the slice of balance.Synchronizer the orchestrator uses.
type Synchronizer interface {
	Position(account common.Address) (balance.StakePosition, bool)
	RefreshStakePosition(ctx context.Context, account common.Address) (balance.StakePosition, *balance.RefreshReport)
	RefreshAll(ctx context.Context, account common.Address) *balance.RefreshReport
	Refresh(ctx context.Context, account common.Address, keys ...string) *balance.RefreshReport
	Discard(account common.Address)
}

// Config for the orchestrator.
type Config struct {
	// Spender granted the allowance before a stake.
	StakingAddress common.Address
	Methods        gateway.Methods
	Precision      fpmath.Precision

	// Token refreshed together with the reward after a harvest.
	RewardTokenKey string

	// FreshWithdrawCheck reads the staked amount from the ledger before
	// validating a withdraw instead of trusting the cached figure.
	FreshWithdrawCheck bool

	// Bound on the post-operation refresh. The refresh runs even when the
	// caller's context is already done.
	RefreshTimeout time.Duration
}

// Listener observes every state change. It is called synchronously and
// must not call back into the orchestrator for the same account.
type Listener func(State)

// Orchestrator runs one operation at a time per account. The phase of an
// account's machine is its admission lock: a request is admitted only when
// the machine is Idle, and no mutex is held across ledger calls.
//
// Failed -> Idle is the only retry path. Nothing is retried automatically
// and a partially completed stake (approved, not staked) is never rolled
// back; the next stake approves again.
type Orchestrator struct {
	gw      gateway.Gateway
	sync    Synchronizer
	cfg     Config
	events  chan<- event.OperationEvent
	logger  zerolog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	machines map[common.Address]*machine
	nextRun  uint64

	listenersMu  sync.RWMutex
	listeners    map[uint64]Listener
	nextListener uint64
}

type machine struct {
	run   uint64 // token of the admitted run, 0 when idle
	state State
}

// run carries one admitted request through the machine.
type run struct {
	token    uint64
	account  common.Address
	req      Request
	amount   *big.Int
	start    time.Time
	receipts []*gateway.Receipt
}

// NewOrchestrator wires the state machine. events may be nil; sends on it
// never block and are dropped when it is full.
func NewOrchestrator(
	gw gateway.Gateway,
	sync Synchronizer,
	cfg Config,
	events chan<- event.OperationEvent,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Orchestrator {
	if cfg.Methods == (gateway.Methods{}) {
		cfg.Methods = gateway.DefaultMethods()
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	return &Orchestrator{
		gw:        gw,
		sync:      sync,
		cfg:       cfg,
		events:    events,
		logger:    logger,
		metrics:   metrics,
		machines:  make(map[common.Address]*machine),
		listeners: make(map[uint64]Listener),
	}
}

func (o *Orchestrator) RequestStake(ctx context.Context, account common.Address, amount decimal.Decimal) (*Result, error) {
	return o.Submit(ctx, account, StakeRequest(amount))
}

func (o *Orchestrator) RequestWithdraw(ctx context.Context, account common.Address, amount decimal.Decimal) (*Result, error) {
	return o.Submit(ctx, account, WithdrawRequest(amount))
}

func (o *Orchestrator) RequestHarvest(ctx context.Context, account common.Address) (*Result, error) {
	return o.Submit(ctx, account, HarvestRequest())
}

// Submit runs req to completion and returns once the machine is Idle
// again. A request for a busy account fails with *BusyError without
// touching the ledger.
func (o *Orchestrator) Submit(ctx context.Context, account common.Address, req Request) (*Result, error) {
	if account == (common.Address{}) {
		return nil, ErrNoAccount
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	r, err := o.admit(account, req)
	if err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.OperationsInFlight.Inc()
		defer o.metrics.OperationsInFlight.Dec()
	}
	o.emit(r, event.EventTypeRequested, PhaseValidating, func(e *event.OperationEvent) {
		if req.Kind.NeedsAmount() {
			e.RequestedAmount = req.AmountString()
		}
	})

	res, err := o.execute(ctx, r)
	if err != nil {
		return nil, o.fail(ctx, r, err)
	}
	return res, nil
}

// State returns the account's current state. Accounts that never ran an
// operation are Idle.
func (o *Orchestrator) State(account common.Address) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m, ok := o.machines[account]; ok {
		return m.state
	}
	return State{Account: account, Phase: PhaseIdle, Status: StatusIdle}
}

// OnStateChange registers l and returns a function that removes it.
func (o *Orchestrator) OnStateChange(l Listener) (unsubscribe func()) {
	o.listenersMu.Lock()
	o.nextListener++
	id := o.nextListener
	o.listeners[id] = l
	o.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.listenersMu.Lock()
			delete(o.listeners, id)
			o.listenersMu.Unlock()
		})
	}
}

// Reset returns the account's machine to Idle and discards its cached
// balances. An operation in flight is abandoned at its next step: it
// submits nothing further and its transitions are ignored, though a
// write it already submitted may still confirm on chain.
func (o *Orchestrator) Reset(account common.Address) {
	o.mu.Lock()
	m, existed := o.machines[account]
	wasBusy := existed && m.run != 0
	delete(o.machines, account)
	o.mu.Unlock()

	o.sync.Discard(account)

	st := State{Account: account, Phase: PhaseIdle, Status: StatusIdle, UpdatedAt: time.Now()}
	o.logger.Info().
		Str("account", account.Hex()).
		Bool("abandoned_in_flight", wasBusy).
		Msg("machine reset")
	o.notify(st)
}

func (o *Orchestrator) admit(account common.Address, req Request) (*run, error) {
	o.mu.Lock()
	m, ok := o.machines[account]
	if !ok {
		m = &machine{state: State{Account: account}}
		o.machines[account] = m
	}
	if m.run != 0 {
		busy := &BusyError{Account: account, Phase: m.state.Phase, RequestID: m.state.RequestID}
		o.mu.Unlock()
		o.reject(account, req, busy)
		return nil, busy
	}

	o.nextRun++
	r := &run{token: o.nextRun, account: account, req: req, start: time.Now()}
	m.run = r.token
	m.state = State{
		Account:   account,
		Phase:     PhaseValidating,
		Status:    StatusPending,
		RequestID: req.ID,
		Kind:      req.Kind,
		UpdatedAt: r.start,
	}
	st := m.state
	o.mu.Unlock()

	o.logger.Debug().
		Str("account", account.Hex()).
		Str("request_id", req.ID).
		Str("kind", req.Kind.String()).
		Msg("request admitted")
	o.notify(st)
	return r, nil
}

func (o *Orchestrator) reject(account common.Address, req Request, busy *BusyError) {
	if o.metrics != nil {
		o.metrics.RequestsRejected.WithLabelValues(req.Kind.String(), "busy").Inc()
	}
	o.logger.Info().
		Str("account", account.Hex()).
		Str("request_id", req.ID).
		Str("kind", req.Kind.String()).
		Str("phase", busy.Phase.String()).
		Msg("request rejected: busy")
	o.emit(&run{account: account, req: req}, event.EventTypeRejected, busy.Phase, func(e *event.OperationEvent) {
		e.ErrorKind = ErrKindBusy.String()
		e.Error = busy.Error()
	})
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (*Result, error) {
	amount, err := o.validate(ctx, r)
	if err != nil {
		return nil, err
	}
	r.amount = amount

	switch r.req.Kind {
	case KindStake:
		// The stake call spends the allowance, so the approval must be
		// final before the stake is submitted.
		if err := o.transact(ctx, r, stepApprove, gateway.ContractToken, o.cfg.Methods.Approve, o.cfg.StakingAddress, new(big.Int).Set(amount)); err != nil {
			return nil, err
		}
		if err := o.transact(ctx, r, stepStake, gateway.ContractStaking, o.cfg.Methods.Stake, new(big.Int).Set(amount)); err != nil {
			return nil, err
		}
	case KindWithdraw:
		if err := o.transact(ctx, r, stepWithdraw, gateway.ContractStaking, o.cfg.Methods.Withdraw, new(big.Int).Set(amount)); err != nil {
			return nil, err
		}
	case KindHarvest:
		if err := o.transact(ctx, r, stepHarvest, gateway.ContractStaking, o.cfg.Methods.Harvest); err != nil {
			return nil, err
		}
	}

	report, ok := o.refresh(ctx, r)
	if !ok {
		return nil, ErrReset
	}

	if !o.transition(r, PhaseIdle, func(s *State) {
		s.Status = StatusSucceeded
		s.Err = nil
	}) {
		return nil, ErrReset
	}

	res := &Result{
		RequestID: r.req.ID,
		Kind:      r.req.Kind,
		Amount:    r.amount,
		Receipts:  r.receipts,
		Refresh:   report,
		Duration:  time.Since(r.start),
	}
	if o.metrics != nil {
		o.metrics.RequestsTotal.WithLabelValues(r.req.Kind.String(), StatusSucceeded.String()).Inc()
		o.metrics.OperationDuration.WithLabelValues(r.req.Kind.String()).Observe(res.Duration.Seconds())
	}
	o.emit(r, event.EventTypeSucceeded, PhaseIdle, nil)
	o.logger.Info().
		Str("account", r.account.Hex()).
		Str("request_id", r.req.ID).
		Str("kind", r.req.Kind.String()).
		Dur("took", res.Duration).
		Str("refresh", report.String()).
		Msg("operation succeeded")
	return res, nil
}

// validate returns the amount in base units. Withdraws are checked
// against the staked figure, which is the cached one unless
// FreshWithdrawCheck is set or nothing is cached yet. A max withdraw
// resolves to that same figure.
func (o *Orchestrator) validate(ctx context.Context, r *run) (*big.Int, error) {
	kind := r.req.Kind
	switch kind {
	case KindHarvest:
		return nil, nil
	case KindStake, KindWithdraw:
	default:
		return nil, &ValidationError{Kind: kind, Reason: ErrUnknownKind}
	}

	if kind == KindWithdraw && r.req.Max {
		staked, err := o.stakedFigure(ctx, r)
		if err != nil {
			return nil, err
		}
		if staked.Sign() <= 0 {
			return nil, &ValidationError{Kind: kind, Reason: ErrNothingStaked}
		}
		return new(big.Int).Set(staked), nil
	}

	if r.req.Amount.Sign() <= 0 {
		return nil, &ValidationError{Kind: kind, Reason: ErrNonPositiveAmount, Detail: r.req.AmountString()}
	}
	raw, err := o.cfg.Precision.ToBaseUnits(r.req.Amount)
	if errors.Is(err, fpmath.ErrAmountOutOfRange) {
		return nil, &ValidationError{
			Kind:   kind,
			Reason: fpmath.ErrAmountOutOfRange,
			Detail: fmt.Sprintf("%s at %d decimals", r.req.AmountString(), o.cfg.Precision.Decimals),
		}
	}
	if err != nil || !o.cfg.Precision.RoundTrips(r.req.Amount) {
		return nil, &ValidationError{
			Kind:   kind,
			Reason: ErrAmountNotExact,
			Detail: fmt.Sprintf("%s at %d decimals", r.req.AmountString(), o.cfg.Precision.Decimals),
		}
	}

	if kind == KindWithdraw {
		staked, err := o.stakedFigure(ctx, r)
		if err != nil {
			return nil, err
		}
		if raw.Cmp(staked) > 0 {
			return nil, &ValidationError{
				Kind:   kind,
				Reason: ErrExceedsStaked,
				Detail: fmt.Sprintf("requested %s, staked %s",
					o.cfg.Precision.FormatUnits(raw), o.cfg.Precision.FormatUnits(staked)),
			}
		}
	}
	return raw, nil
}

func (o *Orchestrator) stakedFigure(ctx context.Context, r *run) (*big.Int, error) {
	cached, _ := o.sync.Position(r.account)
	if cached.Known() && !o.cfg.FreshWithdrawCheck {
		return cached.Staked, nil
	}

	fresh, report := o.sync.RefreshStakePosition(ctx, r.account)
	if report.Discarded {
		return nil, ErrReset
	}
	if err, failed := report.Failed[balance.KeyStaked]; failed {
		if cached.Known() {
			o.logger.Warn().
				Str("account", r.account.Hex()).
				Str("request_id", r.req.ID).
				Err(err).
				Msg("fresh staked read failed, validating against cached figure")
			return cached.Staked, nil
		}
		return nil, err
	}
	return fresh.Staked, nil
}

// transact submits one write and waits for it to be final.
func (o *Orchestrator) transact(ctx context.Context, r *run, st step, contract gateway.ContractID, method string, args ...any) error {
	if !o.transition(r, st.submit, nil) {
		return ErrReset
	}

	handle, err := o.gw.Send(ctx, contract, method, args...)
	o.observeLedger("send", method, err)
	if err != nil {
		return err
	}

	o.emit(r, event.EventTypeSubmitted, st.submit, func(e *event.OperationEvent) {
		e.Method = method
		e.TxHash = handle.Hash.Hex()
	})
	if !o.transition(r, st.await, func(s *State) { s.TxHash = handle.Hash }) {
		return ErrReset
	}

	waitStart := time.Now()
	receipt, err := o.gw.AwaitConfirmation(ctx, handle)
	o.observeLedger("await", method, err)
	if o.metrics != nil {
		o.metrics.ConfirmationWait.WithLabelValues(method).Observe(time.Since(waitStart).Seconds())
	}
	if err != nil {
		return err
	}

	r.receipts = append(r.receipts, receipt)
	o.emit(r, event.EventTypeConfirmed, st.await, func(e *event.OperationEvent) {
		e.Method = method
		e.TxHash = receipt.TxHash.Hex()
		e.BlockNumber = receipt.BlockNumber
	})
	return nil
}

// refresh re-reads the balances touched by the operation. It reports
// false when the run was abandoned.
func (o *Orchestrator) refresh(ctx context.Context, r *run) (*balance.RefreshReport, bool) {
	if !o.transition(r, PhaseRefreshing, nil) {
		return nil, false
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.RefreshTimeout)
	defer cancel()

	var report *balance.RefreshReport
	if r.req.Kind == KindHarvest {
		keys := []string{balance.KeyReward}
		if o.cfg.RewardTokenKey != "" {
			keys = append(keys, o.cfg.RewardTokenKey)
		}
		report = o.sync.Refresh(rctx, r.account, keys...)
	} else {
		report = o.sync.RefreshAll(rctx, r.account)
	}

	if !report.OK() {
		o.logger.Warn().
			Str("account", r.account.Hex()).
			Str("request_id", r.req.ID).
			Str("refresh", report.String()).
			Msg("post-operation refresh incomplete")
	}
	return report, !report.Discarded
}

// fail moves the machine through Failed back to Idle and returns err. A
// reverted transaction may have changed state, so balances are refreshed
// first; a timeout is left for the next refresh since the outcome is
// unknown.
func (o *Orchestrator) fail(ctx context.Context, r *run, err error) error {
	kind := Classify(err)
	if kind == ErrKindReset {
		return o.abandoned(r, err)
	}
	if kind == ErrKindConfirmation {
		o.refresh(ctx, r)
	}

	var txHash common.Hash
	o.transition(r, PhaseFailed, func(s *State) {
		s.Status = StatusFailed
		s.Err = err
		txHash = s.TxHash
	})
	o.transition(r, PhaseIdle, func(s *State) {
		s.Status = StatusFailed
		s.Err = err
	})

	if o.metrics != nil {
		o.metrics.RequestsTotal.WithLabelValues(r.req.Kind.String(), StatusFailed.String()).Inc()
		if kind == ErrKindValidation {
			o.metrics.RequestsRejected.WithLabelValues(r.req.Kind.String(), "validation").Inc()
		}
	}
	o.emit(r, event.EventTypeFailed, PhaseFailed, func(e *event.OperationEvent) {
		e.ErrorKind = kind.String()
		e.Error = err.Error()
		if txHash != (common.Hash{}) {
			e.TxHash = txHash.Hex()
		}
	})

	logEvt := o.logger.Warn()
	if kind == ErrKindValidation {
		logEvt = o.logger.Info()
	}
	logEvt.
		Str("account", r.account.Hex()).
		Str("request_id", r.req.ID).
		Str("kind", r.req.Kind.String()).
		Str("error_kind", kind.String()).
		Str("tx_hash", txHash.Hex()).
		Err(err).
		Msg("operation failed")

	return err
}

// abandoned records a run whose machine was reset under it. The machine
// already belongs to someone else, so there is no transition and no
// Failed event.
func (o *Orchestrator) abandoned(r *run, err error) error {
	if o.metrics != nil {
		o.metrics.RequestsTotal.WithLabelValues(r.req.Kind.String(), "Reset").Inc()
	}
	o.logger.Info().
		Str("account", r.account.Hex()).
		Str("request_id", r.req.ID).
		Str("kind", r.req.Kind.String()).
		Msg("operation abandoned by reset")
	return err
}

// transition applies a phase change if r still owns the machine. Moving
// to Idle releases the machine.
func (o *Orchestrator) transition(r *run, phase Phase, mutate func(*State)) bool {
	o.mu.Lock()
	m, ok := o.machines[r.account]
	if !ok || m.run != r.token {
		o.mu.Unlock()
		return false
	}
	m.state.Phase = phase
	if mutate != nil {
		mutate(&m.state)
	}
	m.state.UpdatedAt = time.Now()
	if phase == PhaseIdle {
		m.run = 0
	}
	st := m.state
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.PhaseTransitions.WithLabelValues(phase.String()).Inc()
	}
	o.logger.Debug().
		Str("account", r.account.Hex()).
		Str("request_id", r.req.ID).
		Str("kind", r.req.Kind.String()).
		Str("phase", phase.String()).
		Str("status", st.Status.String()).
		Msg("transition")
	o.notify(st)
	return true
}

func (o *Orchestrator) notify(st State) {
	o.listenersMu.RLock()
	ls := make([]Listener, 0, len(o.listeners))
	for id := uint64(1); id <= o.nextListener; id++ {
		if l, ok := o.listeners[id]; ok {
			ls = append(ls, l)
		}
	}
	o.listenersMu.RUnlock()

	for _, l := range ls {
		l(st)
	}
}

func (o *Orchestrator) emit(r *run, t event.EventType, phase Phase, fill func(*event.OperationEvent)) {
	if o.events == nil {
		return
	}
	evt := event.New(t, r.req.ID, r.account.Hex(), r.req.Kind.String(), phase.String())
	if r.amount != nil {
		evt.Amount = r.amount.String()
	}
	if fill != nil {
		fill(&evt)
	}

	select {
	case o.events <- evt:
	default:
		if o.metrics != nil {
			o.metrics.EventDrops.Inc()
		}
	}
}

func (o *Orchestrator) observeLedger(op, method string, err error) {
	if o.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = Classify(err).String()
	}
	o.metrics.LedgerCalls.WithLabelValues(op, method, result).Inc()
}
