package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRPCTimeout bounds one JSON-RPC round trip.
	DefaultRPCTimeout = 10 * time.Second
	// DefaultRequestsPerSecond caps calls made to the daemon.
	DefaultRequestsPerSecond = 20
)

// ErrEmptyResult indicates the daemon answered with a null result.
var ErrEmptyResult = errors.New("ledger: empty RPC result")

// RPCError is an error reported by the daemon itself.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger RPC error %d: %s", e.Code, e.Message)
}

// RPCConfig configures an RPCClient.
type RPCConfig struct {
	URL               string
	User              string
	Password          string
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// RPCClient implements Client over the daemon's JSON-RPC interface.
type RPCClient struct {
	mu       sync.RWMutex
	url      string
	user     string
	password string
	client   *http.Client
	limiter  *rate.Limiter
	nextID   atomic.Uint64
}

// NewRPCClient creates a JSON-RPC client. URL is required.
func NewRPCClient(cfg RPCConfig) (*RPCClient, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("ledger RPC url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRPCTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &RPCClient{
		url:      url,
		user:     cfg.User,
		password: cfg.Password,
		client:   httpClient,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
	}, nil
}

// URL returns the endpoint calls are currently sent to.
func (c *RPCClient) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

// SetURL points later calls at another endpoint of the same daemon network.
// Calls already in flight finish against the old one.
func (c *RPCClient) SetURL(url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return errors.New("ledger RPC url is required")
	}
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
	return nil
}

type receivedEntry struct {
	TxID string `json:"txid"`
	Memo string `json:"memo"`
}

// TransactionsForAddress calls z_listreceivedbyaddress with zero confirmations.
func (c *RPCClient) TransactionsForAddress(ctx context.Context, address string) ([]Transaction, error) {
	if address == "" {
		return nil, errors.New("address is required")
	}

	var entries []receivedEntry
	if err := c.call(ctx, "z_listreceivedbyaddress", []any{address, 0}, &entries); err != nil {
		return nil, fmt.Errorf("list transactions for %q: %w", address, err)
	}

	txs := make([]Transaction, 0, len(entries))
	for _, entry := range entries {
		if entry.TxID == "" {
			continue
		}
		txs = append(txs, Transaction{TransactionID: entry.TxID, MemoHex: entry.Memo})
	}
	return txs, nil
}

// TransactionTime calls gettransaction and prefers the block time when mined.
func (c *RPCClient) TransactionTime(ctx context.Context, transactionID string) (time.Time, error) {
	var tx struct {
		Time      int64 `json:"time"`
		BlockTime int64 `json:"blocktime"`
	}
	if err := c.call(ctx, "gettransaction", []any{transactionID}, &tx); err != nil {
		return time.Time{}, fmt.Errorf("get transaction %q: %w", transactionID, err)
	}

	secs := tx.BlockTime
	if secs == 0 {
		secs = tx.Time
	}
	return time.Unix(secs, 0), nil
}

// ChainSyncInfo resolves the best block and returns its time.
func (c *RPCClient) ChainSyncInfo(ctx context.Context) (SyncInfo, error) {
	var info struct {
		BestBlockHash string `json:"bestblockhash"`
	}
	if err := c.call(ctx, "getblockchaininfo", nil, &info); err != nil {
		return SyncInfo{}, fmt.Errorf("get blockchain info: %w", err)
	}
	if info.BestBlockHash == "" {
		return SyncInfo{}, fmt.Errorf("get blockchain info: %w", ErrEmptyResult)
	}

	var block struct {
		Time int64 `json:"time"`
	}
	if err := c.call(ctx, "getblock", []any{info.BestBlockHash}, &block); err != nil {
		return SyncInfo{}, fmt.Errorf("get block %q: %w", info.BestBlockHash, err)
	}
	return SyncInfo{LastBlockTime: time.Unix(block.Time, 0)}, nil
}

// SignMessage calls signmessage.
func (c *RPCClient) SignMessage(ctx context.Context, address, payload string) (string, error) {
	var signature string
	if err := c.call(ctx, "signmessage", []any{address, payload}, &signature); err != nil {
		return "", fmt.Errorf("sign message for %q: %w", address, err)
	}
	return signature, nil
}

// Daemon error codes for verifymessage input it cannot even parse: a
// malformed address, signature encoding or parameter.
const (
	rpcTypeError         = -3
	rpcInvalidAddressKey = -5
	rpcInvalidParameter  = -8
)

// VerifyMessage calls verifymessage. Input the daemon rejects as malformed is
// a mismatch; any other RPC error means the daemon could not answer.
func (c *RPCClient) VerifyMessage(ctx context.Context, address, signature, payload string) (bool, error) {
	var ok bool
	err := c.call(ctx, "verifymessage", []any{address, signature, payload}, &ok)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && isMalformedInput(rpcErr.Code) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verify message for %q: %w", address, err)
	}
	return ok, nil
}

func isMalformedInput(code int) bool {
	switch code {
	case rpcTypeError, rpcInvalidAddressKey, rpcInvalidParameter:
		return true
	default:
		return false
	}
}

// WalletAddresses calls z_listaddresses.
func (c *RPCClient) WalletAddresses(ctx context.Context) ([]string, error) {
	var addresses []string
	if err := c.call(ctx, "z_listaddresses", nil, &addresses); err != nil {
		return nil, fmt.Errorf("list wallet addresses: %w", err)
	}
	return addresses, nil
}

// SendMemo calls z_sendmany with a single recipient.
func (c *RPCClient) SendMemo(ctx context.Context, req SendRequest) (string, error) {
	if req.From == "" || req.To == "" {
		return "", errors.New("from and to addresses are required")
	}
	recipient := map[string]any{
		"address": req.To,
		"amount":  req.Amount,
		"memo":    req.MemoHex,
	}

	var operationID string
	if err := c.call(ctx, "z_sendmany", []any{req.From, []any{recipient}, 1, req.Fee}, &operationID); err != nil {
		return "", fmt.Errorf("send memo to %q: %w", req.To, err)
	}
	return operationID, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if params == nil {
		params = []any{}
	}

	reqBody := map[string]any{
		"jsonrpc": "1.0",
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  params,
	}
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal RPC request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(), bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("build RPC request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.user != "" || c.password != "" {
		httpReq.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send RPC request %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read RPC response %s: %w", method, err)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &rpcResp); err != nil {
		// bitcoind-style daemons answer 401 with an empty body.
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("RPC %s: http status %d", method, resp.StatusCode)
		}
		return fmt.Errorf("parse RPC response %s: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("RPC %s: http status %d", method, resp.StatusCode)
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return ErrEmptyResult
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("decode RPC result %s: %w", method, err)
	}
	return nil
}
