// Package explorer fetches a contract's transaction history from an
// etherscan-compatible API. The ingester uses it for startup backfill and
// for the polling fallback when the block watcher is down.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/time/rate"
)

const requestTimeout = 30 * time.Second

var (
	ErrBadStatus = errors.New("explorer: request rejected")

	requestMeter = metrics.NewRegisteredMeter("guard/explorer/requests", nil)
	errorMeter   = metrics.NewRegisteredMeter("guard/explorer/errors", nil)
)

// Tx is one history entry, decoded from the explorer's string-typed wire
// shape. Value and BlockNumber stay decimal strings.
type Tx struct {
	Hash        string
	From        string
	To          string
	Value       string
	GasUsed     uint64
	Failed      bool
	Timestamp   time.Time
	BlockNumber string
}

// Client talks to one explorer endpoint. Requests are rate limited so a
// fleet of pollers cannot trip the API's abuse protection.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     log.Logger
}

// New creates a Client for an explorer API base URL (".../api").
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Every(250*time.Millisecond), 4),
		log:     log.New("component", "explorer"),
	}
}

type txlistResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type txlistEntry struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	GasUsed     string `json:"gasUsed"`
	IsError     string `json:"isError"`
	TimeStamp   string `json:"timeStamp"`
	BlockNumber string `json:"blockNumber"`
}

// TransactionsSince returns the address's transactions from startBlock
// onward, ordered by ascending block number. An empty history is not an
// error.
func (c *Client) TransactionsSince(ctx context.Context, address string, startBlock *big.Int) ([]*Tx, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	requestMeter.Mark(1)

	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", address)
	q.Set("startblock", startBlock.String())
	q.Set("sort", "asc")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("explorer: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		errorMeter.Mark(1)
		return nil, fmt.Errorf("explorer: txlist request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorMeter.Mark(1)
		return nil, fmt.Errorf("%w: http %d", ErrBadStatus, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		errorMeter.Mark(1)
		return nil, fmt.Errorf("explorer: read response: %w", err)
	}

	var wire txlistResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		errorMeter.Mark(1)
		return nil, fmt.Errorf("explorer: decode response: %w", err)
	}
	if wire.Status != "1" {
		// The API reports an empty history as status 0; that is a normal
		// outcome, everything else is a rejection.
		if strings.Contains(wire.Message, "No transactions found") {
			return nil, nil
		}
		errorMeter.Mark(1)
		return nil, fmt.Errorf("%w: %s %s", ErrBadStatus, wire.Message, string(wire.Result))
	}

	var entries []txlistEntry
	if err := json.Unmarshal(wire.Result, &entries); err != nil {
		errorMeter.Mark(1)
		return nil, fmt.Errorf("explorer: decode result: %w", err)
	}

	txs := make([]*Tx, 0, len(entries))
	for _, e := range entries {
		tx, err := e.decode()
		if err != nil {
			// A single malformed entry must not lose the rest of the page.
			c.log.Warn("Skipping malformed history entry", "hash", e.Hash, "err", err)
			continue
		}
		txs = append(txs, tx)
	}
	sort.SliceStable(txs, func(i, j int) bool {
		bi, _ := new(big.Int).SetString(txs[i].BlockNumber, 10)
		bj, _ := new(big.Int).SetString(txs[j].BlockNumber, 10)
		return bi.Cmp(bj) < 0
	})
	return txs, nil
}

func (e txlistEntry) decode() (*Tx, error) {
	gas, err := strconv.ParseUint(e.GasUsed, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("gasUsed %q: %w", e.GasUsed, err)
	}
	unix, err := strconv.ParseInt(e.TimeStamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("timeStamp %q: %w", e.TimeStamp, err)
	}
	if e.Hash == "" || e.BlockNumber == "" {
		return nil, errors.New("missing hash or block number")
	}
	if _, ok := new(big.Int).SetString(e.Value, 10); e.Value != "" && !ok {
		return nil, fmt.Errorf("value %q not decimal", e.Value)
	}
	value := e.Value
	if value == "" {
		value = "0"
	}
	return &Tx{
		Hash:        strings.ToLower(e.Hash),
		From:        strings.ToLower(e.From),
		To:          strings.ToLower(e.To),
		Value:       value,
		GasUsed:     gas,
		Failed:      e.IsError == "1",
		Timestamp:   time.Unix(unix, 0).UTC(),
		BlockNumber: e.BlockNumber,
	}, nil
}
