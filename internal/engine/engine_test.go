package engine

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"escrow-engine-go/internal/errs"
	"escrow-engine-go/internal/ledger"
	"escrow-engine-go/internal/models"
	"escrow-engine-go/internal/signing"
	"escrow-engine-go/internal/store"
)

const (
	devKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	buyerAddr  = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	sellerAddr = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
)

// MockLedgerClient is a mock implementation of the ledger.Client interface.
type MockLedgerClient struct {
	mock.Mock
}

var _ ledger.Client = (*MockLedgerClient)(nil)

func (m *MockLedgerClient) LockFunds(ctx context.Context, signer signing.Signer, seller common.Address, amount decimal.Decimal, externalID common.Hash) (string, error) {
	args := m.Called(signer, seller, amount, externalID)
	return args.String(0), args.Error(1)
}

func (m *MockLedgerClient) ReleaseFunds(ctx context.Context, signer signing.Signer, externalID common.Hash) (string, error) {
	args := m.Called(signer, externalID)
	return args.String(0), args.Error(1)
}

func (m *MockLedgerClient) RefundFunds(ctx context.Context, signer signing.Signer, externalID common.Hash) (string, error) {
	args := m.Called(signer, externalID)
	return args.String(0), args.Error(1)
}

func (m *MockLedgerClient) Escrow(ctx context.Context, externalID common.Hash) (*ledger.EscrowRecord, error) {
	args := m.Called(externalID)
	return args.Get(0).(*ledger.EscrowRecord), args.Error(1)
}

func (m *MockLedgerClient) Allowance(ctx context.Context, owner common.Address) (decimal.Decimal, error) {
	args := m.Called(owner)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

// setupEngine creates a full test environment with a mock ledger client and
// an in-memory trade ledger.
func setupEngine(t *testing.T) (*Engine, *MockLedgerClient) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&models.Trade{}))

	mockLedger := new(MockLedgerClient)
	eng := NewEngine(zap.NewNop(), store.NewTradeStore(db), mockLedger)
	return eng, mockLedger
}

func testSigner(t *testing.T) signing.Signer {
	signer, err := signing.NewLocalSigner(devKey)
	assert.NoError(t, err)
	return signer
}

func validParams() InitiateParams {
	return InitiateParams{
		ListingRef:    "svc_1",
		BuyerParty:    "B",
		SellerParty:   "S",
		BuyerAddress:  buyerAddr,
		SellerAddress: sellerAddr,
		Amount:        decimal.RequireFromString("50"),
	}
}

func TestInitiate_CreatesPendingTrade(t *testing.T) {
	eng, mockLedger := setupEngine(t)

	trade, err := eng.Initiate(context.Background(), validParams())
	assert.NoError(t, err)
	assert.Equal(t, models.StatePending, trade.State)
	assert.Len(t, trade.ExternalID, 66) // 0x + 32 bytes hex
	assert.Empty(t, trade.LockTxRef)

	// Initiate is purely local: the ledger is never contacted.
	mockLedger.AssertExpectations(t)

	// getTrade round-trips the amount exactly.
	got, err := eng.GetTrade(trade.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.StatePending, got.State)
	assert.Equal(t, "50", got.Amount.String())
}

func TestInitiate_InvalidInput(t *testing.T) {
	eng, _ := setupEngine(t)

	cases := map[string]func(*InitiateParams){
		"zero amount":         func(p *InitiateParams) { p.Amount = decimal.Zero },
		"negative amount":     func(p *InitiateParams) { p.Amount = decimal.RequireFromString("-1") },
		"malformed buyer":     func(p *InitiateParams) { p.BuyerAddress = "nonsense" },
		"malformed seller":    func(p *InitiateParams) { p.SellerAddress = "0x123" },
		"zero seller address": func(p *InitiateParams) { p.SellerAddress = "0x0000000000000000000000000000000000000000" },
		"missing listing":     func(p *InitiateParams) { p.ListingRef = "" },
		"missing party":       func(p *InitiateParams) { p.BuyerParty = "" },
	}

	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			params := validParams()
			corrupt(&params)
			_, err := eng.Initiate(context.Background(), params)
			assert.Error(t, err)
			assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
		})
	}
}

func TestLockFunds_Success(t *testing.T) {
	eng, mockLedger := setupEngine(t)
	signer := testSigner(t)

	trade, err := eng.Initiate(context.Background(), validParams())
	assert.NoError(t, err)

	mockLedger.On("LockFunds", signer, common.HexToAddress(sellerAddr), mock.Anything, common.HexToHash(trade.ExternalID)).
		Return("0xlocktx", nil)

	locked, err := eng.LockFunds(context.Background(), trade.ID, signer)
	assert.NoError(t, err)
	assert.Equal(t, models.StateLocked, locked.State)
	assert.Equal(t, "0xlocktx", locked.LockTxRef)
	mockLedger.AssertExpectations(t)
}

func TestLifecycle_LockDeliverRelease(t *testing.T) {
	eng, mockLedger := setupEngine(t)
	signer := testSigner(t)

	trade, err := eng.Initiate(context.Background(), validParams())
	assert.NoError(t, err)

	mockLedger.On("LockFunds", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("0xlocktx", nil)
	mockLedger.On("ReleaseFunds", mock.Anything, mock.Anything).Return("0xreltx", nil)

	locked, err := eng.LockFunds(context.Background(), trade.ID, signer)
	assert.NoError(t, err)
	assert.Equal(t, models.StateLocked, locked.State)

	delivered, err := eng.MarkDelivered(context.Background(), trade.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.StateDelivered, delivered.State)

	released, err := eng.ReleaseFunds(context.Background(), trade.ID, signer)
	assert.NoError(t, err)
	assert.Equal(t, models.StateReleased, released.State)
	assert.Equal(t, "0xlocktx", released.LockTxRef)
	assert.Equal(t, "0xreltx", released.ReleaseTxRef)
}

func TestLockFunds_NotPendingSkipsLedger(t *testing.T) {
	eng, mockLedger := setupEngine(t)
	signer := testSigner(t)

	trade, err := eng.Initiate(context.Background(), validParams())
	assert.NoError(t, err)

	mockLedger.On("LockFunds", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("0xlocktx", nil).Once()
	_, err = eng.LockFunds(context.Background(), trade.ID, signer)
	assert.NoError(t, err)

	// Second lock must fail before any ledger contact.
	_, err = eng.LockFunds(context.Background(), trade.ID, signer)
	assert.Error(t, err)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
	mockLedger.AssertNumberOfCalls(t, "LockFunds", 1)
}

func TestLockFunds_LedgerRejectedLeavesPending(t *testing.T) {
	eng, mockLedger := setupEngine(t)
	signer := testSigner(t)

	trade, err := eng.Initiate(context.Background(), validParams())
	assert.NoError(t, err)

	mockLedger.On("LockFunds", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errs.New(errs.KindLedgerRejected, "escrow already exists"))

	_, err = eng.LockFunds(context.Background(), trade.ID, signer)
	assert.Error(t, err)
	assert.Equal(t, errs.KindLedgerRejected, errs.KindOf(err))

	got, err := eng.GetTrade(trade.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.StatePending, got.State)
	assert.Empty(t, got.LockTxRef)
	assert.False(t, got.NeedsReconcile)
}

func TestLockFunds_LedgerUnavailableLeavesRecordUntouched(t *testing.T) {
	eng, mockLedger := setupEngine(t)
	signer := testSigner(t)

	trade, err := eng.Initiate(context.Background(), validParams())
	assert.NoError(t, err)

	before, err := eng.GetTrade(trade.ID)
	assert.NoError(t, err)

	mockLedger.On("LockFunds", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errs.New(errs.KindLedgerUnavailable, "gateway down"))

	_, err = eng.LockFunds(context.Background(), trade.ID, signer)
	assert.Error(t, err)
	assert.Equal(t, errs.KindLedgerUnavailable, errs.KindOf(err))

	after, err := eng.GetTrade(trade.ID)
	assert.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Version, after.Version)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
}

func TestLockFunds_TimeoutFlagsForReconciliation(t *testing.T) {
	eng, mockLedger := setupEngine(t)
	signer := testSigner(t)

	trade, err := eng.Initiate(context.Background(), validParams())
	assert.NoError(t, err)

	mockLedger.On("LockFunds", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errs.New(errs.KindLedgerTimeout, "no confirmation"))

	_, err = eng.LockFunds(context.Background(), trade.ID, signer)
	assert.Error(t, err)
	assert.Equal(t, errs.KindLedgerTimeout, errs.KindOf(err))

	// State is untouched but the trade is flagged: the lock may still have
	// landed on the ledger.
	got, err := eng.GetTrade(trade.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.StatePending, got.State)
	assert.True(t, got.NeedsReconcile)
}

func TestReconcile_AdoptsConfirmedLockAfterTimeout(t *testing.T) {
	eng, mockLedger := setupEngine(t)
	signer := testSigner(t)

	trade, err := eng.Initiate(context.Background(), validParams())
	assert.NoError(t, err)

	mockLedger.On("LockFunds", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errs.New(errs.KindLedgerTimeout, "no confirmation")).Once()
	_, err = eng.LockFunds(context.Background(), trade.ID, signer)
	assert.Error(t, err)

	// The ledger actually processed the lock.
	mockLedger.On("Escrow", common.HexToHash(trade.ExternalID)).Return(&ledger.EscrowRecord{
		State:  ledger.EscrowLocked,
		Seller: common.HexToAddress(sellerAddr),
		Amount: decimal.RequireFromString("50"),
		LockTx: "0xlatelock",
	}, nil)

	got, err := eng.Reconcile(context.Background(), trade.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.StateLocked, got.State)
	assert.Equal(t, "0xlatelock", got.LockTxRef)
	assert.False(t, got.NeedsReconcile)
	mockLedger.AssertNumberOfCalls(t, "LockFunds", 1)
}

func TestReconcile_ClearsFlagWhenLockNeverLanded(t *testing.T) {
	eng, mockLedger := setupEngine(t)
	signer := testSigner(t)

	trade, err := eng.Initiate(context.Background(), validParams())
	assert.NoError(t, err)

	mockLedger.On("LockFunds", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errs.New(errs.KindLedgerTimeout, "no confirmation")).Once()
	_, err = eng.LockFunds(context.Background(), trade.ID, signer)
	assert.Error(t, err)

	mockLedger.On("Escrow", common.HexToHash(trade.ExternalID)).Return(&ledger.EscrowRecord{
		State: ledger.EscrowNone,
	}, nil)

	// The next lock attempt reconciles first, sees nothing landed, and
	// retries the lock.
	mockLedger.On("LockFunds", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("0xlocktx", nil).Once()

	got, err := eng.LockFunds(context.Background(), trade.ID, signer)
	assert.NoError(t, err)
	assert.Equal(t, models.StateLocked, got.State)
	assert.Equal(t, "0xlocktx", got.LockTxRef)
	mockLedger.AssertNumberOfCalls(t, "Escrow", 1)
}

func TestRefund_RejectedByLedgerLeavesLocked(t *testing.T) {
	eng, mockLedger := setupEngine(t)
	signer := testSigner(t)

	trade, err := eng.Initiate(context.Background(), validParams())
	assert.NoError(t, err)

	mockLedger.On("LockFunds", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("0xlocktx", nil)
	_, err = eng.LockFunds(context.Background(), trade.ID, signer)
	assert.NoError(t, err)

	// Ledger refuses: the signer is not the original locker, or expiry has
	// not passed.
	mockLedger.On("RefundFunds", mock.Anything, mock.Anything).
		Return("", errs.New(errs.KindLedgerRejected, "signer is not the original locker"))

	_, err = eng.RefundFunds(context.Background(), trade.ID, signer)
	assert.Error(t, err)
	assert.Equal(t, errs.KindLedgerRejected, errs.KindOf(err))

	got, err := eng.GetTrade(trade.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.StateLocked, got.State)
	assert.Empty(t, got.RefundTxRef)
}

func TestIllegalTransitions(t *testing.T) {
	eng, mockLedger := setupEngine(t)
	signer := testSigner(t)
	ctx := context.Background()

	mockLedger.On("LockFunds", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("0xlocktx", nil)
	mockLedger.On("ReleaseFunds", mock.Anything, mock.Anything).Return("0xreltx", nil)
	mockLedger.On("RefundFunds", mock.Anything, mock.Anything).Return("0xreftx", nil)

	// release on a pending trade
	pending, err := eng.Initiate(ctx, validParams())
	assert.NoError(t, err)
	_, err = eng.ReleaseFunds(ctx, pending.ID, signer)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))

	// refund on a pending trade
	_, err = eng.RefundFunds(ctx, pending.ID, signer)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))

	// deliver on a pending trade
	_, err = eng.MarkDelivered(ctx, pending.ID)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))

	// refund on a delivered trade: the contested edge stays closed
	delivered, err := eng.Initiate(ctx, validParams())
	assert.NoError(t, err)
	_, err = eng.LockFunds(ctx, delivered.ID, signer)
	assert.NoError(t, err)
	_, err = eng.MarkDelivered(ctx, delivered.ID)
	assert.NoError(t, err)
	_, err = eng.RefundFunds(ctx, delivered.ID, signer)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))

	// anything on a released trade
	released, err := eng.Initiate(ctx, validParams())
	assert.NoError(t, err)
	_, err = eng.LockFunds(ctx, released.ID, signer)
	assert.NoError(t, err)
	_, err = eng.ReleaseFunds(ctx, released.ID, signer)
	assert.NoError(t, err)
	_, err = eng.RefundFunds(ctx, released.ID, signer)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
	_, err = eng.MarkDelivered(ctx, released.ID)
	assert.Equal(t, errs.KindInvalidState, errs.KindOf(err))
}

func TestConcurrentLock_SingleLedgerSubmission(t *testing.T) {
	eng, mockLedger := setupEngine(t)
	signer := testSigner(t)

	trade, err := eng.Initiate(context.Background(), validParams())
	assert.NoError(t, err)

	started := make(chan struct{})
	proceed := make(chan struct{})
	mockLedger.On("LockFunds", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(started)
			<-proceed
		}).
		Return("0xlocktx", nil)

	firstDone := make(chan error, 1)
	go func() {
		_, err := eng.LockFunds(context.Background(), trade.ID, signer)
		firstDone <- err
	}()

	// Wait until the first call holds the trade's exclusive section inside
	// the ledger call, then race a second one against it.
	<-started
	_, err = eng.LockFunds(context.Background(), trade.ID, signer)
	assert.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	close(proceed)
	assert.NoError(t, <-firstDone)

	mockLedger.AssertNumberOfCalls(t, "LockFunds", 1)

	got, err := eng.GetTrade(trade.ID)
	assert.NoError(t, err)
	assert.Equal(t, models.StateLocked, got.State)
}

func TestListQueries(t *testing.T) {
	eng, _ := setupEngine(t)
	ctx := context.Background()

	_, err := eng.Initiate(ctx, validParams())
	assert.NoError(t, err)

	other := validParams()
	other.BuyerParty = "X"
	_, err = eng.Initiate(ctx, other)
	assert.NoError(t, err)

	mine, err := eng.ListByParty("B")
	assert.NoError(t, err)
	assert.Len(t, mine, 1)

	active, err := eng.ListActive()
	assert.NoError(t, err)
	assert.Len(t, active, 2)
}
