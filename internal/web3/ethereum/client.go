package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"OnyxLab-Core/internal/web3"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// txIndexingMessage 是节点仍在构建交易索引时对未知交易返回的错误。
const txIndexingMessage = "transaction indexing is in progress"

// notYetVisible 判断查询失败是否只是交易尚未被节点看到，此时应按 pending 处理。
func notYetVisible(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, gethcore.NotFound) || strings.Contains(err.Error(), txIndexingMessage)
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
	// ChainID, when non-zero, must match the node's chain id. Payments
	// verified against the wrong network would otherwise look valid.
	ChainID int64
}

// chainReader is the subset of ethclient used for receipt lookups. The
// go-ethereum simulated backend satisfies it as well.
type chainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	reader    chainReader
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	reader := ethclient.NewClient(rpcClient)
	if err := verifyChainID(ctx, reader, cfg.ChainID); err != nil {
		rpcClient.Close()
		return nil, err
	}

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		reader:    reader,
	}, nil
}

func verifyChainID(ctx context.Context, reader chainReader, expected int64) error {
	if expected <= 0 {
		return nil
	}
	actual, err := reader.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("查询链 ID 失败: %w", err)
	}
	if actual.Cmp(big.NewInt(expected)) != 0 {
		return fmt.Errorf("节点链 ID 为 %s，与配置的 %d 不一致", actual, expected)
	}
	return nil
}

// NewFromReader wraps an existing chain reader, e.g. the client of a
// go-ethereum simulated backend.
func NewFromReader(name string, reader chainReader) *Client {
	return &Client{name: name, reader: reader, notes: "in-process backend"}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// GetTransactionReceipt looks up a transaction and its receipt. Unknown and
// not yet mined transactions are reported as pending.
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash string) (*web3.Receipt, error) {
	if c == nil || c.reader == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	txHash = strings.TrimSpace(txHash)
	if !txHashPattern.MatchString(txHash) {
		return nil, fmt.Errorf("非法的交易哈希: %q", txHash)
	}
	hash := common.HexToHash(txHash)
	pending := &web3.Receipt{TxHash: hash.Hex(), Status: web3.ReceiptPending}

	tx, isPending, err := c.reader.TransactionByHash(ctx, hash)
	if notYetVisible(err) {
		return pending, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询交易失败: %w", err)
	}
	if isPending {
		return pending, nil
	}

	receipt, err := c.reader.TransactionReceipt(ctx, hash)
	if notYetVisible(err) {
		return pending, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询交易回执失败: %w", err)
	}

	head, err := c.reader.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块高度失败: %w", err)
	}

	result := &web3.Receipt{
		TxHash:      hash.Hex(),
		Status:      web3.ReceiptConfirmed,
		Value:       new(big.Int).Set(tx.Value()),
		BlockNumber: receipt.BlockNumber.Uint64(),
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		result.Status = web3.ReceiptFailed
	}
	if to := tx.To(); to != nil {
		result.Recipient = to.Hex()
	}
	if from, err := coretypes.Sender(coretypes.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		result.From = from.Hex()
	}
	if head >= result.BlockNumber {
		result.Confirmations = head - result.BlockNumber + 1
	}
	return result, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.reader == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}

	chainID, err := c.reader.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.reader.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Chain:       c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
