package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultHTTPTimeout  = 10 * time.Second
	initialPollInterval = 2 * time.Second
	maxPollInterval     = 30 * time.Second
)

// RPCGateway implements Gateway against the escrow contract node's JSON-RPC
// server.
type RPCGateway struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64

	pollInterval time.Duration
}

// RPCOption customises the gateway client.
type RPCOption func(*RPCGateway)

// WithHTTPClient overrides the HTTP client, primarily for tests.
func WithHTTPClient(c *http.Client) RPCOption {
	return func(g *RPCGateway) {
		if c != nil {
			g.http = c
		}
	}
}

// WithPollInterval sets the initial confirmation polling interval. The
// interval doubles on each poll up to a fixed ceiling.
func WithPollInterval(d time.Duration) RPCOption {
	return func(g *RPCGateway) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

// NewRPCGateway constructs a gateway client for the given node endpoint.
func NewRPCGateway(baseURL, authToken string, opts ...RPCOption) *RPCGateway {
	g := &RPCGateway{
		baseURL:      baseURL,
		authToken:    authToken,
		http:         &http.Client{Timeout: defaultHTTPTimeout},
		pollInterval: initialPollInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type submitResult struct {
	TxHash string `json:"txHash"`
}

type txStatusResult struct {
	Status string `json:"status"`
}

type snapshotResult struct {
	Locked    string `json:"locked"`
	Paid      bool   `json:"paid"`
	Cancelled bool   `json:"cancelled"`
}

func (g *RPCGateway) SubmitDeposit(ctx context.Context, params DepositParams) (string, error) {
	payload := map[string]interface{}{
		"bountyRef": params.BountyRef,
		"creator":   params.Creator,
		"currency":  params.Currency,
		"amount":    amountString(params.Amount),
		"deadline":  params.Deadline,
	}
	return g.submit(ctx, "bounty_deposit", payload)
}

func (g *RPCGateway) SubmitPayout(ctx context.Context, params PayoutParams) (string, error) {
	payload := map[string]interface{}{
		"bountyRef": params.BountyRef,
		"recipient": params.Recipient,
		"currency":  params.Currency,
		"amount":    amountString(params.Amount),
		"rank":      params.Rank,
	}
	return g.submit(ctx, "bounty_payout", payload)
}

func (g *RPCGateway) SubmitRefund(ctx context.Context, params RefundParams) (string, error) {
	payload := map[string]interface{}{
		"bountyRef": params.BountyRef,
		"recipient": params.Recipient,
		"currency":  params.Currency,
		"amount":    amountString(params.Amount),
	}
	return g.submit(ctx, "bounty_refund", payload)
}

func (g *RPCGateway) WithdrawFees(ctx context.Context, recipient string) (string, error) {
	payload := map[string]interface{}{"recipient": recipient}
	return g.submit(ctx, "bounty_withdrawFees", payload)
}

func (g *RPCGateway) submit(ctx context.Context, method string, payload map[string]interface{}) (string, error) {
	var result submitResult
	if err := g.call(ctx, method, []interface{}{payload}, &result); err != nil {
		// Anything refused at submission time left no transaction behind.
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if strings.TrimSpace(result.TxHash) == "" {
		return "", fmt.Errorf("%w: node returned no transaction hash", ErrRejected)
	}
	return result.TxHash, nil
}

// Confirm polls tx_status with exponential backoff until the transaction is
// terminal or the timeout elapses. The backoff is bounded by the timeout;
// anything still outstanding afterwards belongs to the reconciliation pass.
func (g *RPCGateway) Confirm(ctx context.Context, txHash string, timeout time.Duration) (ConfirmStatus, error) {
	if strings.TrimSpace(txHash) == "" {
		return StatusFailed, errors.New("chain: tx hash required")
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := g.pollInterval
	if interval <= 0 {
		interval = initialPollInterval
	}
	for {
		var result txStatusResult
		err := g.call(waitCtx, "tx_status", []interface{}{map[string]string{"txHash": txHash}}, &result)
		if err == nil {
			switch strings.ToLower(strings.TrimSpace(result.Status)) {
			case "confirmed":
				return StatusConfirmed, nil
			case "failed", "reverted":
				return StatusFailed, nil
			}
		} else if ctx.Err() != nil {
			// The caller went away; the chain operation is not cancelled.
			return StatusTimedOut, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			return StatusTimedOut, nil
		case <-timer.C:
		}
		interval *= 2
		if interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

func (g *RPCGateway) Query(ctx context.Context, bountyRef string) (*Snapshot, error) {
	var result snapshotResult
	if err := g.call(ctx, "bounty_get", []interface{}{map[string]string{"bountyRef": bountyRef}}, &result); err != nil {
		return nil, err
	}
	locked := big.NewInt(0)
	if trimmed := strings.TrimSpace(result.Locked); trimmed != "" {
		parsed, ok := new(big.Int).SetString(trimmed, 10)
		if !ok {
			return nil, fmt.Errorf("chain: invalid locked amount %q", result.Locked)
		}
		locked = parsed
	}
	return &Snapshot{Locked: locked, Paid: result.Paid, Cancelled: result.Cancelled}, nil
}

func (g *RPCGateway) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := g.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(g.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+g.authToken)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("node rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("node rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
