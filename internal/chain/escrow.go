// Package chain talks to the on-chain escrow contracts.
//
// The engine never runs a node or holds customer keys: it reads escrow
// state through eth_call and, when a booking fails, submits the
// contract's refund transaction signed with the platform refund key.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidAddress    = errors.New("chain: invalid address")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrNoSigner          = errors.New("chain: no refund signer configured")
)

// EscrowState mirrors the escrow contract's state enum.
type EscrowState uint8

const (
	EscrowUninitialized EscrowState = iota
	EscrowPaid
	EscrowRefunded
)

// StateView is one escrow contract's stored deal, as read on-chain.
type StateView struct {
	Provider common.Address
	Customer common.Address
	Asset    common.Address
	Value    *big.Int
	State    EscrowState
}

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Escrow contract ABI: the deal view plus the refund entrypoint.
const escrowABI = `[
	{"constant":true,"inputs":[],"name":"getDeal","outputs":[{"name":"provider","type":"address"},{"name":"customer","type":"address"},{"name":"asset","type":"address"},{"name":"value","type":"uint256"},{"name":"state","type":"uint8"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"recipient","type":"address"}],"name":"refund","outputs":[],"type":"function"}
]`

// ERC20 minimal ABI for reward token transfers.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const (
	// DefaultGasLimit for refund and transfer transactions.
	DefaultGasLimit = uint64(120000)

	// DefaultConfirmationTimeout for waiting on transactions.
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// Config for creating a chain client.
type Config struct {
	RPCURL     string
	ChainID    int64
	PrivateKey string // Hex refund signer key, optional (reads work without it)
}

// Option configures the client.
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(c *Client) {
		c.client = client
	}
}

// Client reads escrow contracts and submits refund/reward transactions.
type Client struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	escrowABI  abi.ABI
	erc20ABI   abi.ABI
}

// New creates a chain client. If cfg.PrivateKey is empty the client is
// read-only: Refund and TransferToken return ErrNoSigner.
func New(cfg Config, opts ...Option) (*Client, error) {
	escrow, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	c := &Client{
		chainID:   big.NewInt(cfg.ChainID),
		escrowABI: escrow,
		erc20ABI:  erc20,
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		pub, ok := key.Public().(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
		}
		c.privateKey = key
		c.address = crypto.PubkeyToAddress(*pub)
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

// Ping checks RPC reachability. Used by the health registry.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	return nil
}

// ReadState reads the escrow contract's stored deal via eth_call.
func (c *Client) ReadState(ctx context.Context, contractAddr string) (*StateView, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, contractAddr)
	}
	contract := common.HexToAddress(contractAddr)

	data, err := c.escrowABI.Pack("getDeal")
	if err != nil {
		return nil, fmt.Errorf("failed to pack getDeal call: %w", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}

	out, err := c.escrowABI.Unpack("getDeal", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getDeal result: %w", err)
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("unexpected getDeal output arity %d", len(out))
	}

	view := &StateView{
		Provider: out[0].(common.Address),
		Customer: out[1].(common.Address),
		Asset:    out[2].(common.Address),
		Value:    out[3].(*big.Int),
		State:    EscrowState(out[4].(uint8)),
	}
	return view, nil
}

// Refund submits the escrow contract's refund transaction for recipient
// and waits for it to be mined. Returns the transaction hash on success.
func (c *Client) Refund(ctx context.Context, contractAddr, recipient string) (string, error) {
	if !common.IsHexAddress(contractAddr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, contractAddr)
	}
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, recipient)
	}

	data, err := c.escrowABI.Pack("refund", common.HexToAddress(recipient))
	if err != nil {
		return "", fmt.Errorf("failed to pack refund call: %w", err)
	}

	return c.submit(ctx, common.HexToAddress(contractAddr), data)
}

// TransferToken sends an ERC20 transfer of amount to recipient on the
// given token contract. Used for reward payouts.
func (c *Client) TransferToken(ctx context.Context, tokenAddr, recipient string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(tokenAddr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, tokenAddr)
	}
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, recipient)
	}

	data, err := c.erc20ABI.Pack("transfer", common.HexToAddress(recipient), amount)
	if err != nil {
		return "", fmt.Errorf("failed to pack transfer call: %w", err)
	}

	return c.submit(ctx, common.HexToAddress(tokenAddr), data)
}

// submit signs, sends, and confirms a transaction against to.
func (c *Client) submit(ctx context.Context, to common.Address, data []byte) (string, error) {
	if c.privateKey == nil {
		return "", ErrNoSigner
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrRPCConnection, err)
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas price: %v", ErrRPCConnection, err)
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("%w: send: %v", ErrRPCConnection, err)
	}

	txHash := signedTx.Hash()
	if err := c.waitMined(ctx, txHash); err != nil {
		return txHash.Hex(), err
	}
	return txHash.Hex(), nil
}

// waitMined polls for the transaction receipt until mined or timeout.
func (c *Client) waitMined(ctx context.Context, txHash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: tx %s", ErrTransactionFailed, txHash.Hex())
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: tx %s not mined", ErrTimeout, txHash.Hex())
		case <-ticker.C:
		}
	}
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
