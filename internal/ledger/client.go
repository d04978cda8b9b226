// Package ledger talks to the escrow gateway node in front of the token
// contract. Each money-moving call submits one or two signed transactions
// and blocks until the ledger's own consensus has finalized them, so a
// returned confirmation reference is always durable.
package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"escrow-engine-go/internal/config"
	"escrow-engine-go/internal/errs"
	"escrow-engine-go/internal/signing"
)

const maxSubmitAttempts = 3

// Client abstracts the three money-moving operations plus the read queries
// needed for reconciliation.
type Client interface {
	// LockFunds ensures spending approval, submits the lock, and waits for
	// confirmation. Returns the lock transaction reference.
	LockFunds(ctx context.Context, signer signing.Signer, seller common.Address, amount decimal.Decimal, externalID common.Hash) (string, error)
	// ReleaseFunds releases a locked escrow to the seller.
	ReleaseFunds(ctx context.Context, signer signing.Signer, externalID common.Hash) (string, error)
	// RefundFunds returns a locked escrow to the buyer.
	RefundFunds(ctx context.Context, signer signing.Signer, externalID common.Hash) (string, error)
	// Escrow fetches the ledger's authoritative record for an escrow key.
	Escrow(ctx context.Context, externalID common.Hash) (*EscrowRecord, error)
	// Allowance reports how much the escrow contract may spend from owner.
	Allowance(ctx context.Context, owner common.Address) (decimal.Decimal, error)
}

// RestClient is a Client over the gateway's REST API.
type RestClient struct {
	client         *resty.Client
	escrowAddress  common.Address
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         *zap.Logger
	limiter        *rate.Limiter
}

var _ Client = (*RestClient)(nil)

// NewRestClient creates a gateway client from the ledger configuration.
func NewRestClient(cfg *config.Ledger, logger *zap.Logger) *RestClient {
	client := resty.New().SetBaseURL(cfg.BaseURL)
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &RestClient{
		client:         client,
		escrowAddress:  common.HexToAddress(cfg.EscrowAddress),
		confirmTimeout: time.Duration(cfg.ConfirmTimeoutSec) * time.Second,
		pollInterval:   time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		logger:         logger,
		limiter:        limiter,
	}
}

// digest computes the canonical signing digest for a gateway payload.
func digest(parts ...string) []byte {
	return crypto.Keccak256([]byte(strings.Join(parts, "|")))
}

// signPayload signs the canonical digest of the given fields.
func signPayload(signer signing.Signer, parts ...string) (string, error) {
	sig, err := signer.Sign(digest(parts...))
	if err != nil {
		return "", errs.Wrap(errs.KindInvalidArgument, err, "signing payload")
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// doRequest executes one read-only gateway request with rate limiting and
// bounded retry. Transient failures (network errors, 429, 5xx) are retried
// with exponential backoff; a definitive 4xx is returned to the caller
// untouched for business-rule mapping. Money-moving submissions must never
// go through here: re-submitting a POST whose response was lost could land
// the operation twice, so they use submitOnce instead.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	wait := time.Second
	for i := 0; i < maxSubmitAttempts; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errs.Wrap(errs.KindLedgerUnavailable, err, "rate limiter wait failed")
		}

		c.logger.Debug("Executing gateway request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.SetContext(ctx).Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		retryable := true
		if err == nil {
			code := resp.StatusCode()
			retryable = code == http.StatusTooManyRequests || code >= 500
		}
		if !retryable {
			return resp, nil // definitive gateway answer, caller maps it
		}
		if i == maxSubmitAttempts-1 {
			break
		}

		c.logger.Warn("Gateway request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", wait),
			zap.Error(err),
		)

		select {
		case <-time.After(wait):
			wait *= 2
		case <-ctx.Done():
			return nil, errs.Wrap(errs.KindLedgerUnavailable, ctx.Err(), "gateway request cancelled")
		}
	}

	if err != nil {
		return nil, errs.Wrap(errs.KindLedgerUnavailable, err, "gateway unreachable after %d attempts", maxSubmitAttempts)
	}
	return nil, errs.New(errs.KindLedgerUnavailable, "gateway returned %s after %d attempts", resp.Status(), maxSubmitAttempts)
}

// rejection turns a definitive gateway error response into a LedgerRejected.
func rejection(resp *resty.Response) error {
	var body errorResponse
	msg := resp.String()
	if err := decodeError(resp, &body); err == nil && body.Message != "" {
		msg = body.Message
	}
	return errs.New(errs.KindLedgerRejected, "ledger rejected operation: %s", msg)
}

func decodeError(resp *resty.Response, out *errorResponse) error {
	if e := resp.Error(); e != nil {
		if parsed, ok := e.(*errorResponse); ok {
			*out = *parsed
			return nil
		}
	}
	return fmt.Errorf("no structured error body")
}

// submitOnce executes a money-moving POST exactly once. Once the request is
// on the wire the operation may have landed even if we never see the
// response, so a lost response or a 5xx is classified as a timeout: the
// outcome is unknown and the caller must reconcile, never retry blindly. A
// 429 is the gateway refusing to accept the request at all, which is safe to
// report as a transient outage.
func (c *RestClient) submitOnce(ctx context.Context, url string, req *resty.Request) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.Wrap(errs.KindLedgerUnavailable, err, "rate limiter wait failed")
	}

	c.logger.Debug("Submitting gateway transaction", zap.String("url", c.client.BaseURL+url))
	resp, err := req.SetContext(ctx).Execute(http.MethodPost, url)
	if err != nil {
		return nil, errs.Wrap(errs.KindLedgerTimeout, err, "submission to %s has unknown outcome", url)
	}

	code := resp.StatusCode()
	if code == http.StatusTooManyRequests {
		return nil, errs.New(errs.KindLedgerUnavailable, "gateway throttled submission to %s", url)
	}
	if code >= 500 {
		return nil, errs.New(errs.KindLedgerTimeout, "gateway returned %s for %s, submission outcome unknown", resp.Status(), url)
	}
	return resp, nil
}

// submit posts a signed transaction payload and returns its hash.
func (c *RestClient) submit(ctx context.Context, url string, payload any) (string, error) {
	req := c.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(&txSubmitResponse{}).
		SetError(&errorResponse{})

	resp, err := c.submitOnce(ctx, url, req)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", rejection(resp)
	}
	return resp.Result().(*txSubmitResponse).TxHash, nil
}

// waitConfirmed polls the transaction status until the ledger finalizes it
// one way or the other, or the confirmation timeout elapses. A timeout means
// the outcome is unknown, never that the operation failed.
func (c *RestClient) waitConfirmed(ctx context.Context, txHash string) error {
	deadline := time.Now().Add(c.confirmTimeout)

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = c.pollInterval
	backoffCfg.MaxInterval = 5 * time.Second

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return errs.Wrap(errs.KindLedgerTimeout, err, "confirmation wait for %s abandoned", txHash)
		}

		req := c.client.R().
			SetResult(&txStatusResponse{}).
			SetError(&errorResponse{}).
			SetContext(ctx)

		resp, err := req.Get("/v1/tx/" + txHash)
		if err == nil && !resp.IsError() {
			status := resp.Result().(*txStatusResponse)
			switch status.Status {
			case "confirmed":
				return nil
			case "rejected":
				return errs.New(errs.KindLedgerRejected, "transaction %s rejected: %s", txHash, status.Reason)
			case "pending":
				// keep polling
			default:
				return errs.New(errs.KindLedgerRejected, "transaction %s reported unmapped status %q", txHash, status.Status)
			}
		} else {
			// Transient poll failures don't abort the wait; the deadline
			// bounds how long we keep trying.
			c.logger.Warn("Transaction status poll failed", zap.String("tx", txHash), zap.Error(err))
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = 5 * time.Second
		}
		if time.Now().Add(sleep).After(deadline) {
			return errs.New(errs.KindLedgerTimeout, "transaction %s not confirmed within %s", txHash, c.confirmTimeout)
		}

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return errs.Wrap(errs.KindLedgerTimeout, ctx.Err(), "confirmation wait for %s abandoned", txHash)
		}
	}
}

// Allowance reports the spending approval the escrow contract currently has
// from owner.
func (c *RestClient) Allowance(ctx context.Context, owner common.Address) (decimal.Decimal, error) {
	req := c.client.R().
		SetQueryParam("owner", owner.Hex()).
		SetQueryParam("spender", c.escrowAddress.Hex()).
		SetResult(&allowanceResponse{}).
		SetError(&errorResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/token/allowance", req)
	if err != nil {
		return decimal.Zero, err
	}
	if resp.IsError() {
		return decimal.Zero, rejection(resp)
	}

	allowance, err := decimal.NewFromString(resp.Result().(*allowanceResponse).Allowance)
	if err != nil {
		return decimal.Zero, errs.Wrap(errs.KindLedgerRejected, err, "gateway returned malformed allowance")
	}
	return allowance, nil
}

// ensureApproval approves the escrow contract to spend amount from the
// signer's account, skipping the transaction entirely when the existing
// allowance already covers it. Re-approving is safe on the ledger side.
func (c *RestClient) ensureApproval(ctx context.Context, signer signing.Signer, amount decimal.Decimal) error {
	allowance, err := c.Allowance(ctx, signer.Address())
	if err != nil {
		return err
	}
	if allowance.GreaterThanOrEqual(amount) {
		c.logger.Debug("Existing allowance covers amount, skipping approval",
			zap.String("allowance", allowance.String()),
			zap.String("amount", amount.String()),
		)
		return nil
	}

	owner := signer.Address().Hex()
	spender := c.escrowAddress.Hex()
	sig, err := signPayload(signer, "approve", owner, spender, amount.String())
	if err != nil {
		return err
	}

	txHash, err := c.submit(ctx, "/v1/token/approve", map[string]string{
		"owner":     owner,
		"spender":   spender,
		"amount":    amount.String(),
		"signature": sig,
	})
	if err != nil {
		return err
	}

	c.logger.Info("Approval submitted, waiting for confirmation", zap.String("tx", txHash))
	return c.waitConfirmed(ctx, txHash)
}

// LockFunds moves amount from the signer's account into escrow under
// externalID. Both the approval (when needed) and the lock itself are
// confirmed before this returns.
func (c *RestClient) LockFunds(ctx context.Context, signer signing.Signer, seller common.Address, amount decimal.Decimal, externalID common.Hash) (string, error) {
	if err := c.ensureApproval(ctx, signer, amount); err != nil {
		return "", err
	}

	from := signer.Address().Hex()
	sig, err := signPayload(signer, "lock", from, seller.Hex(), amount.String(), externalID.Hex())
	if err != nil {
		return "", err
	}

	txHash, err := c.submit(ctx, "/v1/escrow/lock", map[string]string{
		"from":      from,
		"seller":    seller.Hex(),
		"amount":    amount.String(),
		"trade_id":  externalID.Hex(),
		"signature": sig,
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("Lock submitted, waiting for confirmation",
		zap.String("tx", txHash),
		zap.String("trade_id", externalID.Hex()),
	)
	if err := c.waitConfirmed(ctx, txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

// ReleaseFunds releases the escrow to the seller. Only the original locker
// may call this on the ledger side.
func (c *RestClient) ReleaseFunds(ctx context.Context, signer signing.Signer, externalID common.Hash) (string, error) {
	return c.action(ctx, signer, "release", "/v1/escrow/release", externalID)
}

// RefundFunds returns the escrow to the buyer. The ledger enforces its own
// expiry and arbiter rules.
func (c *RestClient) RefundFunds(ctx context.Context, signer signing.Signer, externalID common.Hash) (string, error) {
	return c.action(ctx, signer, "refund", "/v1/escrow/refund", externalID)
}

func (c *RestClient) action(ctx context.Context, signer signing.Signer, method, url string, externalID common.Hash) (string, error) {
	from := signer.Address().Hex()
	sig, err := signPayload(signer, method, from, externalID.Hex())
	if err != nil {
		return "", err
	}

	txHash, err := c.submit(ctx, url, map[string]string{
		"from":      from,
		"trade_id":  externalID.Hex(),
		"signature": sig,
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("Transaction submitted, waiting for confirmation",
		zap.String("method", method),
		zap.String("tx", txHash),
		zap.String("trade_id", externalID.Hex()),
	)
	if err := c.waitConfirmed(ctx, txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

// Escrow fetches the ledger's own record for an escrow key. An entry the
// ledger never saw comes back with state NONE rather than an error.
func (c *RestClient) Escrow(ctx context.Context, externalID common.Hash) (*EscrowRecord, error) {
	req := c.client.R().
		SetResult(&escrowResponse{}).
		SetError(&errorResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/escrow/"+externalID.Hex(), req)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, rejection(resp)
	}

	body := resp.Result().(*escrowResponse)
	record := &EscrowRecord{
		State:     EscrowState(body.State),
		Seller:    common.HexToAddress(body.Seller),
		LockTx:    body.LockTx,
		ReleaseTx: body.ReleaseTx,
		RefundTx:  body.RefundTx,
	}
	if body.Amount != "" {
		amount, err := decimal.NewFromString(body.Amount)
		if err != nil {
			return nil, errs.Wrap(errs.KindLedgerRejected, err, "gateway returned malformed escrow amount")
		}
		record.Amount = amount
	}
	return record, nil
}

// Ping checks gateway connectivity by fetching chain status.
func (c *RestClient) Ping(ctx context.Context) (uint64, error) {
	req := c.client.R().
		SetResult(&statusResponse{}).
		SetError(&errorResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/status", req)
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, rejection(resp)
	}
	return resp.Result().(*statusResponse).Height, nil
}
