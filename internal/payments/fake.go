package payments

import (
	"context"
	"fmt"
	"sync"
)

// Operation names used by FakeProvider failure injection.
const (
	OpCreateHold     = "create_hold"
	OpCaptureHold    = "capture_hold"
	OpCancelHold     = "cancel_hold"
	OpRefund         = "refund"
	OpCreateDeposit  = "create_deposit"
	OpCreateTransfer = "create_transfer"
	OpGetAccount     = "get_account"
)

// FakeProvider is an in-memory Provider for development and tests. It
// replays results for repeated idempotency keys like the real API and
// supports injecting failures per operation.
type FakeProvider struct {
	mu        sync.Mutex
	seq       int
	intents   map[string]*Intent
	transfers map[string]*Transfer
	accounts  map[string]*Account
	byKey     map[string]any
	failures  map[string][]error
	calls     map[string]int
}

// NewFakeProvider creates an empty fake provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		intents:   make(map[string]*Intent),
		transfers: make(map[string]*Transfer),
		accounts:  make(map[string]*Account),
		byKey:     make(map[string]any),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
}

// FailNext makes the next call to op return err. Calls queue up.
func (f *FakeProvider) FailNext(op string, err error) {
	f.mu.Lock()
	f.failures[op] = append(f.failures[op], err)
	f.mu.Unlock()
}

// Calls returns how many times op reached the fake, including failures.
func (f *FakeProvider) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// SetAccount registers a connected account.
func (f *FakeProvider) SetAccount(a Account) {
	f.mu.Lock()
	f.accounts[a.ID] = &a
	f.mu.Unlock()
}

// Intent returns a copy of the intent with the given id.
func (f *FakeProvider) Intent(id string) (*Intent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[id]
	if !ok {
		return nil, false
	}
	cp := *in
	return &cp, true
}

// Transfers returns the number of distinct transfers created.
func (f *FakeProvider) Transfers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

// begin counts the call and pops an injected failure. Caller holds mu.
func (f *FakeProvider) begin(op string) error {
	f.calls[op]++
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *FakeProvider) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_fake_%06d", prefix, f.seq)
}

func (f *FakeProvider) CreateHold(_ context.Context, req HoldRequest, key string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCreateHold); err != nil {
		return nil, err
	}
	if prev, ok := f.byKey[key].(*Intent); ok && key != "" {
		cp := *prev
		return &cp, nil
	}
	in := &Intent{
		ID:       f.nextID("pi"),
		Amount:   req.Amount,
		Currency: req.Currency,
		Status:   "requires_capture",
		Metadata: map[string]string{MetaBountyID: req.BountyID, MetaUserID: req.UserID, MetaPurpose: PurposeEscrow},
	}
	in.ClientSecret = in.ID + "_secret"
	f.intents[in.ID] = in
	f.byKey[key] = in
	cp := *in
	return &cp, nil
}

func (f *FakeProvider) CaptureHold(_ context.Context, intentID, _ string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCaptureHold); err != nil {
		return nil, err
	}
	in, ok := f.intents[intentID]
	if !ok {
		return nil, &RejectedError{Status: 404, Code: "resource_missing", Msg: "no such payment_intent"}
	}
	switch in.Status {
	case "requires_capture":
		in.Status = "succeeded"
	case "succeeded":
	default:
		return nil, &RejectedError{Status: 400, Code: "payment_intent_unexpected_state", Msg: "intent is " + in.Status}
	}
	cp := *in
	return &cp, nil
}

func (f *FakeProvider) CancelHold(_ context.Context, intentID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCancelHold); err != nil {
		return err
	}
	in, ok := f.intents[intentID]
	if !ok {
		return &RejectedError{Status: 404, Code: "resource_missing", Msg: "no such payment_intent"}
	}
	if in.Status == "succeeded" {
		return &RejectedError{Status: 400, Code: "payment_intent_unexpected_state", Msg: "intent already captured"}
	}
	in.Status = "canceled"
	return nil
}

func (f *FakeProvider) Refund(_ context.Context, intentID, key string) (*RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpRefund); err != nil {
		return nil, err
	}
	if prev, ok := f.byKey[key].(*RefundResult); ok && key != "" {
		cp := *prev
		return &cp, nil
	}
	in, ok := f.intents[intentID]
	if !ok {
		return nil, &RejectedError{Status: 404, Code: "resource_missing", Msg: "no such payment_intent"}
	}
	var out *RefundResult
	switch in.Status {
	case "succeeded":
		out = &RefundResult{ID: f.nextID("re")}
		in.Status = "refunded"
	case "canceled", "refunded":
		return nil, &RejectedError{Status: 400, Code: "payment_intent_unexpected_state", Msg: "intent is " + in.Status}
	default:
		in.Status = "canceled"
		out = &RefundResult{ID: intentID, Canceled: true}
	}
	f.byKey[key] = out
	cp := *out
	return &cp, nil
}

func (f *FakeProvider) CreateDeposit(_ context.Context, req DepositRequest, key string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCreateDeposit); err != nil {
		return nil, err
	}
	if prev, ok := f.byKey[key].(*Intent); ok && key != "" {
		cp := *prev
		return &cp, nil
	}
	in := &Intent{
		ID:       f.nextID("pi"),
		Amount:   req.Amount,
		Currency: req.Currency,
		Status:   "requires_payment_method",
		Metadata: map[string]string{MetaUserID: req.UserID, MetaPurpose: PurposeDeposit},
	}
	in.ClientSecret = in.ID + "_secret"
	f.intents[in.ID] = in
	f.byKey[key] = in
	cp := *in
	return &cp, nil
}

func (f *FakeProvider) CreateTransfer(_ context.Context, req TransferRequest, key string) (*Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpCreateTransfer); err != nil {
		return nil, err
	}
	if prev, ok := f.byKey[key].(*Transfer); ok && key != "" {
		cp := *prev
		return &cp, nil
	}
	if _, ok := f.accounts[req.Destination]; !ok {
		return nil, &RejectedError{Status: 400, Code: "account_invalid", Msg: "no such destination"}
	}
	tr := &Transfer{ID: f.nextID("tr"), Amount: req.Amount, Destination: req.Destination}
	f.transfers[tr.ID] = tr
	f.byKey[key] = tr
	cp := *tr
	return &cp, nil
}

func (f *FakeProvider) GetAccount(_ context.Context, accountID string) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpGetAccount); err != nil {
		return nil, err
	}
	a, ok := f.accounts[accountID]
	if !ok {
		return nil, &RejectedError{Status: 404, Code: "resource_missing", Msg: "no such account"}
	}
	cp := *a
	return &cp, nil
}

var _ Provider = (*FakeProvider)(nil)
