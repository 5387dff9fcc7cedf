// Package ledger reads topic chains from the on-chain ledger contract.
//
// Heads come from the contract's view methods. A record is found by filtering
// the link events of a tag in one block and decoding the input of the
// transaction that emitted them. Fully fetched blocks are kept in a
// store.Cache; decoded transactions in an in-process LRU.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gauthierbraillon/topicfeed/internal/chain"
	"github.com/gauthierbraillon/topicfeed/internal/metrics"
	"github.com/gauthierbraillon/topicfeed/internal/store"
	"github.com/gauthierbraillon/topicfeed/pkg/contracts"
)

const defaultTxCacheSize = 4096

// Backend is the subset of *ethclient.Client the ledger needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionSender(ctx context.Context, tx *types.Transaction, block common.Hash, index uint) (common.Address, error)
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithCache sets the block cache. Defaults to store.Nop.
func WithCache(cache store.Cache) ClientOption {
	return func(c *Client) {
		c.cache = cache
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTxCacheSize sets how many decoded transactions are kept in memory.
// Sizes below one keep the default.
func WithTxCacheSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.txCacheSize = n
		}
	}
}

// Client implements chain.HeadLookup and chain.Resolver against the ledger contract.
type Client struct {
	backend     Backend
	contract    common.Address
	abi         abi.ABI
	cache       store.Cache
	logger      *slog.Logger
	txCacheSize int
	txs         *lru.Cache[common.Hash, txInfo]
	closer      func()
}

type txInfo struct {
	from  common.Address
	input []byte
}

// NewClient creates a ledger client for the contract at address.
func NewClient(backend Backend, address common.Address, opts ...ClientOption) (*Client, error) {
	parsed, err := contracts.LedgerABI()
	if err != nil {
		return nil, err
	}
	c := &Client{
		backend:     backend,
		contract:    address,
		abi:         parsed,
		cache:       store.Nop{},
		logger:      slog.Default(),
		txCacheSize: defaultTxCacheSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.txs, err = lru.New[common.Hash, txInfo](c.txCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction cache: %w", err)
	}
	return c, nil
}

// Dial connects to the RPC endpoint at rawURL.
func Dial(ctx context.Context, rawURL, address string, opts ...ClientOption) (*Client, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid contract address %q", address)
	}
	rpc, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rawURL, err)
	}
	c, err := NewClient(rpc, common.HexToAddress(address), opts...)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	c.closer = rpc.Close
	return c, nil
}

// Close releases the RPC connection opened by Dial.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// FormatTag returns the on-chain tag of topic: the keccak256 of its
// canonical form.
func FormatTag(topic string) common.Hash {
	return crypto.Keccak256Hash([]byte(chain.CanonicalTopic(topic)))
}

// ChainHead implements chain.HeadLookup.
func (c *Client) ChainHead(ctx context.Context, topic string, mode chain.SortMode) (uint64, error) {
	method := contracts.MethodHeadByTime
	if mode == chain.ByTrend {
		method = contracts.MethodHeadByTrend
	}
	data, err := c.abi.Pack(method, FormatTag(topic))
	if err != nil {
		return 0, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to call %s: %w", method, err)
	}
	vals, err := c.abi.Unpack(method, out)
	if err != nil || len(vals) != 1 {
		return 0, fmt.Errorf("%w: %s returned %x", chain.ErrMalformedRecord, method, out)
	}
	head, ok := vals[0].(*big.Int)
	if !ok || !head.IsUint64() {
		return 0, fmt.Errorf("%w: %s returned %v", chain.ErrMalformedRecord, method, vals[0])
	}
	return head.Uint64(), nil
}

// Resolve implements chain.Resolver.
func (c *Client) Resolve(ctx context.Context, req chain.Request, progress chan<- chain.Progress) (*chain.Record, error) {
	if req.Block == 0 {
		return nil, chain.ErrEndOfChain
	}
	tag := FormatTag(req.Topic)
	key := store.Key{Mode: req.Mode, Tag: tag.Hex(), Block: req.Block}

	entries, ok, err := c.cache.Lookup(ctx, key)
	switch {
	case err != nil:
		metrics.CacheLookups.WithLabelValues("error").Inc()
		c.logger.Warn("cache lookup failed", "topic", req.Topic, "block", req.Block, "err", err)
		ok = false
	case ok:
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		chain.Report(ctx, progress, chain.Progress{Phase: chain.PhaseCache, Block: req.Block})
	default:
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	if !ok {
		entries, err = c.fetch(ctx, req, tag, progress)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Store(ctx, key, entries); err != nil {
			c.logger.Warn("cache store failed", "topic", req.Topic, "block", req.Block, "err", err)
		}
	}

	var best *store.Entry
	for i := range entries {
		e := &entries[i]
		if e.Creation >= req.MaxCreation {
			continue
		}
		if best == nil || e.Creation > best.Creation {
			best = e
		}
	}
	if best == nil {
		return nil, chain.ErrEndOfChain
	}

	ev, err := c.decode(*best)
	if err != nil {
		return nil, err
	}
	return &chain.Record{Previous: best.Previous, Creation: best.Creation, Event: ev}, nil
}

// fetch reads every link event of tag in the requested block from the network.
func (c *Client) fetch(ctx context.Context, req chain.Request, tag common.Hash, progress chan<- chain.Progress) ([]store.Entry, error) {
	name := contracts.EventByTime
	if req.Mode == chain.ByTrend {
		name = contracts.EventByTrend
	}
	event := c.abi.Events[name]
	block := new(big.Int).SetUint64(req.Block)

	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: block,
		ToBlock:   block,
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{event.ID}, {tag}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter %s logs: %w", name, err)
	}

	entries := make([]store.Entry, 0, len(logs))
	seen := make(map[common.Hash]bool, len(logs))
	for i, lg := range logs {
		chain.Report(ctx, progress, chain.Progress{Phase: chain.PhaseNetwork, Block: req.Block, Current: i, Total: len(logs)})
		if lg.Removed || seen[lg.TxHash] {
			continue
		}
		seen[lg.TxHash] = true

		previous, creation, err := c.unpackLink(name, tag, lg)
		if err != nil {
			return nil, err
		}
		tx, err := c.transaction(ctx, lg)
		if err != nil {
			return nil, err
		}
		entries = append(entries, store.Entry{
			TxHash:   lg.TxHash.Hex(),
			Previous: previous,
			Creation: creation,
			From:     tx.from.Hex(),
			Input:    tx.input,
		})
	}
	return entries, nil
}

func (c *Client) unpackLink(name string, tag common.Hash, lg types.Log) (uint64, int64, error) {
	if len(lg.Topics) != 2 || lg.Topics[1] != tag {
		return 0, 0, fmt.Errorf("%w: %s in %s is not for tag %s", chain.ErrMalformedRecord, name, lg.TxHash.Hex(), tag.Hex())
	}
	vals := map[string]any{}
	if err := c.abi.UnpackIntoMap(vals, name, lg.Data); err != nil {
		return 0, 0, fmt.Errorf("%w: %s in %s: %v", chain.ErrMalformedRecord, name, lg.TxHash.Hex(), err)
	}
	previous, ok := vals[contracts.ArgPrevious].(*big.Int)
	if !ok || !previous.IsUint64() {
		return 0, 0, fmt.Errorf("%w: %s in %s has no previous block", chain.ErrMalformedRecord, name, lg.TxHash.Hex())
	}
	creation, ok := vals[contracts.ArgCreation].(*big.Int)
	if !ok || !creation.IsInt64() {
		return 0, 0, fmt.Errorf("%w: %s in %s has no creation time", chain.ErrMalformedRecord, name, lg.TxHash.Hex())
	}
	return previous.Uint64(), creation.Int64(), nil
}

func (c *Client) transaction(ctx context.Context, lg types.Log) (txInfo, error) {
	if info, ok := c.txs.Get(lg.TxHash); ok {
		return info, nil
	}
	tx, _, err := c.backend.TransactionByHash(ctx, lg.TxHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return txInfo{}, fmt.Errorf("%w: transaction %s not found", chain.ErrMalformedRecord, lg.TxHash.Hex())
		}
		return txInfo{}, fmt.Errorf("failed to fetch transaction %s: %w", lg.TxHash.Hex(), err)
	}
	from, err := c.backend.TransactionSender(ctx, tx, lg.BlockHash, lg.TxIndex)
	if err != nil {
		return txInfo{}, fmt.Errorf("failed to recover sender of %s: %w", lg.TxHash.Hex(), err)
	}
	info := txInfo{from: from, input: tx.Data()}
	c.txs.Add(lg.TxHash, info)
	return info, nil
}

// decode turns a stored entry into the event the content builder reads.
func (c *Client) decode(e store.Entry) (chain.Event, error) {
	if len(e.Input) < 4 {
		return chain.Event{}, fmt.Errorf("%w: transaction %s has no method selector", chain.ErrMalformedRecord, e.TxHash)
	}
	method, err := c.abi.MethodById(e.Input[:4])
	if err != nil {
		return chain.Event{}, fmt.Errorf("%w: transaction %s: %v", chain.ErrMalformedRecord, e.TxHash, err)
	}
	args := map[string]any{}
	if err := method.Inputs.UnpackIntoMap(args, e.Input[4:]); err != nil {
		return chain.Event{}, fmt.Errorf("%w: %s input of %s: %v", chain.ErrMalformedRecord, method.Name, e.TxHash, err)
	}
	return chain.Event{
		TxHash: e.TxHash,
		Method: method.Name,
		From:   e.From,
		Args:   args,
	}, nil
}
