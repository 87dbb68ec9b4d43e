package assets

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance   = errors.New("assets: insufficient balance")
	ErrInsufficientAllowance = errors.New("assets: insufficient allowance")
	ErrNotOwner              = errors.New("assets: not token owner")
	ErrNotApproved           = errors.New("assets: operator not approved")
	ErrUnknownToken          = errors.New("assets: unknown token")
	ErrNotWrapped            = errors.New("assets: token is not a wrapped native asset")
)

// RevertError is returned when an account or token refuses a transfer. The
// payload is reported verbatim to the distributor.
type RevertError struct {
	payload []byte
}

// NewRevertError wraps a raw failure payload.
func NewRevertError(payload []byte) *RevertError {
	return &RevertError{payload: append([]byte(nil), payload...)}
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("assets: reverted: %s", string(e.payload))
}

// Reason returns the raw failure payload.
func (e *RevertError) Reason() []byte {
	return append([]byte(nil), e.payload...)
}

// ReceiveHook runs after native value has been credited to an account. A
// returned error reverts the credit.
type ReceiveHook func(ctx context.Context, from common.Address, amount *uint256.Int) error

// TokenKind selects the token standard a registered token follows.
type TokenKind uint8

const (
	TokenFungible TokenKind = iota
	TokenWrappedNative
	TokenNonFungible
	TokenSemiFungible
)

type pair struct {
	a, b common.Address
}

type holding struct {
	id     [32]byte
	holder common.Address
}

type token struct {
	kind       TokenKind
	balances   map[common.Address]*uint256.Int
	allowances map[pair]*uint256.Int
	operators  map[pair]bool
	owners     map[[32]byte]common.Address
	holdings   map[holding]*uint256.Int
	blocked    map[common.Address][]byte
}

// World is an in-process ledger of native balances and tokens. It implements
// every asset backend the distribution engine consumes and answers contract
// calls for registered signature validators.
type World struct {
	mu         sync.Mutex
	native     map[common.Address]*uint256.Int
	rejecting  map[common.Address][]byte
	hooks      map[common.Address]ReceiveHook
	tokens     map[common.Address]*token
	validators map[common.Address]Validator
}

// NewWorld returns an empty world.
func NewWorld() *World {
	return &World{
		native:     make(map[common.Address]*uint256.Int),
		rejecting:  make(map[common.Address][]byte),
		hooks:      make(map[common.Address]ReceiveHook),
		tokens:     make(map[common.Address]*token),
		validators: make(map[common.Address]Validator),
	}
}

func zeroIfNil(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func idKey(id *uint256.Int) [32]byte {
	return zeroIfNil(id).Bytes32()
}

// --- native value ---

// Credit mints native value to account.
func (w *World) Credit(account common.Address, amount *uint256.Int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addNative(account, zeroIfNil(amount))
}

func (w *World) addNative(account common.Address, amount *uint256.Int) {
	bal, ok := w.native[account]
	if !ok {
		bal = new(uint256.Int)
		w.native[account] = bal
	}
	bal.Add(bal, amount)
}

func (w *World) subNative(account common.Address, amount *uint256.Int) error {
	bal := zeroIfNil(w.native[account])
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, account.Hex(), bal.Dec(), amount.Dec())
	}
	w.native[account] = new(uint256.Int).Sub(bal, amount)
	return nil
}

// Balance returns the native balance of account.
func (w *World) Balance(account common.Address) *uint256.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return new(uint256.Int).Set(zeroIfNil(w.native[account]))
}

// RejectNative makes account refuse every incoming native transfer with
// reason.
func (w *World) RejectNative(account common.Address, reason []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rejecting[account] = append([]byte(nil), reason...)
}

// OnReceive installs a hook run whenever account receives native value.
func (w *World) OnReceive(account common.Address, hook ReceiveHook) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if hook == nil {
		delete(w.hooks, account)
		return
	}
	w.hooks[account] = hook
}

// TransferNative moves native value. Accounts marked with RejectNative
// revert; receive hooks run after the credit without the world lock held.
func (w *World) TransferNative(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	amount = zeroIfNil(amount)
	w.mu.Lock()
	if reason, ok := w.rejecting[to]; ok {
		w.mu.Unlock()
		return NewRevertError(reason)
	}
	if err := w.subNative(from, amount); err != nil {
		w.mu.Unlock()
		return err
	}
	w.addNative(to, amount)
	hook := w.hooks[to]
	w.mu.Unlock()
	if hook == nil {
		return nil
	}
	if err := hook(ctx, from, new(uint256.Int).Set(amount)); err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		if undoErr := w.subNative(to, amount); undoErr != nil {
			return errors.Join(err, undoErr)
		}
		w.addNative(from, amount)
		return err
	}
	return nil
}

// --- tokens ---

// RegisterToken declares a token contract at addr.
func (w *World) RegisterToken(addr common.Address, kind TokenKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.tokens[addr]; ok {
		return
	}
	w.tokens[addr] = &token{
		kind:       kind,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[pair]*uint256.Int),
		operators:  make(map[pair]bool),
		owners:     make(map[[32]byte]common.Address),
		holdings:   make(map[holding]*uint256.Int),
		blocked:    make(map[common.Address][]byte),
	}
}

func (w *World) token(addr common.Address) (*token, error) {
	t, ok := w.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, addr.Hex())
	}
	return t, nil
}

// Block makes token revert every transfer to account with reason.
func (w *World) Block(tokenAddr, account common.Address, reason []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, err := w.token(tokenAddr)
	if err != nil {
		return err
	}
	t.blocked[account] = append([]byte(nil), reason...)
	return nil
}

// Unblock lifts a Block on account.
func (w *World) Unblock(tokenAddr, account common.Address) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, err := w.token(tokenAddr)
	if err != nil {
		return err
	}
	delete(t.blocked, account)
	return nil
}

// Mint credits fungible units of tokenAddr to holder. Wrapped native units
// minted this way are backed by native value credited to the token account.
func (w *World) Mint(tokenAddr, holder common.Address, amount *uint256.Int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, err := w.token(tokenAddr)
	if err != nil {
		return err
	}
	if t.kind != TokenFungible && t.kind != TokenWrappedNative {
		return fmt.Errorf("assets: mint on non-fungible token %s", tokenAddr.Hex())
	}
	amount = zeroIfNil(amount)
	addBalance(t.balances, holder, amount)
	if t.kind == TokenWrappedNative {
		w.addNative(tokenAddr, amount)
	}
	return nil
}

// MintNonFungible assigns token id to holder.
func (w *World) MintNonFungible(tokenAddr, holder common.Address, id *uint256.Int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, err := w.token(tokenAddr)
	if err != nil {
		return err
	}
	t.owners[idKey(id)] = holder
	return nil
}

// MintSemiFungible credits amount units of id to holder.
func (w *World) MintSemiFungible(tokenAddr, holder common.Address, id, amount *uint256.Int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, err := w.token(tokenAddr)
	if err != nil {
		return err
	}
	key := holding{id: idKey(id), holder: holder}
	bal, ok := t.holdings[key]
	if !ok {
		bal = new(uint256.Int)
		t.holdings[key] = bal
	}
	bal.Add(bal, zeroIfNil(amount))
	return nil
}

// Approve sets the fungible allowance of spender over owner's units.
func (w *World) Approve(tokenAddr, owner, spender common.Address, amount *uint256.Int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, err := w.token(tokenAddr)
	if err != nil {
		return err
	}
	t.allowances[pair{owner, spender}] = new(uint256.Int).Set(zeroIfNil(amount))
	return nil
}

// SetApprovalForAll lets operator move any unit owner holds.
func (w *World) SetApprovalForAll(tokenAddr, owner, operator common.Address, approved bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, err := w.token(tokenAddr)
	if err != nil {
		return err
	}
	t.operators[pair{owner, operator}] = approved
	return nil
}

// TokenBalance returns holder's fungible balance.
func (w *World) TokenBalance(tokenAddr, holder common.Address) *uint256.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tokens[tokenAddr]
	if !ok {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(zeroIfNil(t.balances[holder]))
}

// Allowance returns the remaining fungible allowance.
func (w *World) Allowance(tokenAddr, owner, spender common.Address) *uint256.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tokens[tokenAddr]
	if !ok {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(zeroIfNil(t.allowances[pair{owner, spender}]))
}

// OwnerOf returns the holder of a non-fungible id.
func (w *World) OwnerOf(tokenAddr common.Address, id *uint256.Int) (common.Address, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tokens[tokenAddr]
	if !ok {
		return common.Address{}, false
	}
	owner, ok := t.owners[idKey(id)]
	return owner, ok
}

// SemiBalance returns holder's balance of id.
func (w *World) SemiBalance(tokenAddr, holder common.Address, id *uint256.Int) *uint256.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tokens[tokenAddr]
	if !ok {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(zeroIfNil(t.holdings[holding{id: idKey(id), holder: holder}]))
}

func addBalance(balances map[common.Address]*uint256.Int, holder common.Address, amount *uint256.Int) {
	bal, ok := balances[holder]
	if !ok {
		bal = new(uint256.Int)
		balances[holder] = bal
	}
	bal.Add(bal, amount)
}

func (t *token) checkReceiver(to common.Address) error {
	if reason, ok := t.blocked[to]; ok {
		return NewRevertError(reason)
	}
	return nil
}

// TransferFungible moves fungible units. An operator other than from spends
// allowance.
func (w *World) TransferFungible(_ context.Context, tokenAddr, operator, from, to common.Address, amount *uint256.Int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, err := w.token(tokenAddr)
	if err != nil {
		return err
	}
	if t.kind != TokenFungible && t.kind != TokenWrappedNative {
		return fmt.Errorf("assets: %s is not fungible", tokenAddr.Hex())
	}
	if err := t.checkReceiver(to); err != nil {
		return err
	}
	amount = zeroIfNil(amount)
	bal := zeroIfNil(t.balances[from])
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from.Hex(), bal.Dec(), amount.Dec())
	}
	if operator != from {
		allowance := zeroIfNil(t.allowances[pair{from, operator}])
		if allowance.Lt(amount) {
			return fmt.Errorf("%w: %s may spend %s, needs %s", ErrInsufficientAllowance, operator.Hex(), allowance.Dec(), amount.Dec())
		}
		t.allowances[pair{from, operator}] = new(uint256.Int).Sub(allowance, amount)
	}
	t.balances[from] = new(uint256.Int).Sub(bal, amount)
	addBalance(t.balances, to, amount)
	return nil
}

// TransferNonFungible moves one token id.
func (w *World) TransferNonFungible(_ context.Context, tokenAddr, operator, from, to common.Address, id *uint256.Int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, err := w.token(tokenAddr)
	if err != nil {
		return err
	}
	if t.kind != TokenNonFungible {
		return fmt.Errorf("assets: %s is not non-fungible", tokenAddr.Hex())
	}
	if err := t.checkReceiver(to); err != nil {
		return err
	}
	key := idKey(id)
	if owner, ok := t.owners[key]; !ok || owner != from {
		return fmt.Errorf("%w: id %s", ErrNotOwner, zeroIfNil(id).Dec())
	}
	if operator != from && !t.operators[pair{from, operator}] {
		return ErrNotApproved
	}
	t.owners[key] = to
	return nil
}

// TransferSemiFungible moves amount units of id.
func (w *World) TransferSemiFungible(_ context.Context, tokenAddr, operator, from, to common.Address, id, amount *uint256.Int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, err := w.token(tokenAddr)
	if err != nil {
		return err
	}
	if t.kind != TokenSemiFungible {
		return fmt.Errorf("assets: %s is not semi-fungible", tokenAddr.Hex())
	}
	if err := t.checkReceiver(to); err != nil {
		return err
	}
	if operator != from && !t.operators[pair{from, operator}] {
		return ErrNotApproved
	}
	amount = zeroIfNil(amount)
	fromKey := holding{id: idKey(id), holder: from}
	bal := zeroIfNil(t.holdings[fromKey])
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s of id %s", ErrInsufficientBalance, from.Hex(), bal.Dec(), zeroIfNil(id).Dec())
	}
	t.holdings[fromKey] = new(uint256.Int).Sub(bal, amount)
	toKey := holding{id: idKey(id), holder: to}
	next, ok := t.holdings[toKey]
	if !ok {
		next = new(uint256.Int)
		t.holdings[toKey] = next
	}
	next.Add(next, amount)
	return nil
}

// Unwrap burns amount wrapped units held by holder and credits holder with
// the same native value out of the token's backing.
func (w *World) Unwrap(_ context.Context, tokenAddr, holder common.Address, amount *uint256.Int) (*uint256.Int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, err := w.token(tokenAddr)
	if err != nil {
		return nil, err
	}
	if t.kind != TokenWrappedNative {
		return nil, ErrNotWrapped
	}
	amount = zeroIfNil(amount)
	bal := zeroIfNil(t.balances[holder])
	if bal.Lt(amount) {
		return nil, fmt.Errorf("%w: %s holds %s wrapped", ErrInsufficientBalance, holder.Hex(), bal.Dec())
	}
	if err := w.subNative(tokenAddr, amount); err != nil {
		return nil, err
	}
	t.balances[holder] = new(uint256.Int).Sub(bal, amount)
	w.addNative(holder, amount)
	return new(uint256.Int).Set(amount), nil
}

// Wrap converts native value held by holder into wrapped units.
func (w *World) Wrap(tokenAddr, holder common.Address, amount *uint256.Int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, err := w.token(tokenAddr)
	if err != nil {
		return err
	}
	if t.kind != TokenWrappedNative {
		return ErrNotWrapped
	}
	amount = zeroIfNil(amount)
	if err := w.subNative(holder, amount); err != nil {
		return err
	}
	w.addNative(tokenAddr, amount)
	addBalance(t.balances, holder, amount)
	return nil
}
