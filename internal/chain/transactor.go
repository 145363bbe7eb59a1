// Package chain signs, sends and confirms EVM transactions from a single
// operator key.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrReverted          = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
)

// Steps a transaction failure is reported at. Failures at OpNonce,
// OpGasPrice and OpSign happen before anything reaches the network.
const (
	OpNonce    = "nonce"
	OpGasPrice = "gas_price"
	OpSign     = "sign"
	OpSend     = "send"
	OpConfirm  = "confirm"
)

// TxError wraps a transaction failure with the step and hash. Nonce is the
// transaction's nonce and is meaningful whenever TxHash is set.
type TxError struct {
	Op     string
	TxHash string
	Nonce  uint64
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// NotBroadcast reports whether err is a failure from before the
// transaction was handed to the node, so it can never be mined.
func NotBroadcast(err error) bool {
	var txErr *TxError
	if !errors.As(err, &txErr) {
		return false
	}
	switch txErr.Op {
	case OpNonce, OpGasPrice, OpSign:
		return true
	}
	return false
}

// TxState is what became of a sent transaction.
type TxState int

const (
	TxPending TxState = iota
	TxMined
	TxReverted
	TxDropped
)

func (s TxState) String() string {
	switch s {
	case TxMined:
		return "mined"
	case TxReverted:
		return "reverted"
	case TxDropped:
		return "dropped"
	default:
		return "pending"
	}
}

// Client is the subset of ethclient.Client the transactor needs.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

const (
	// DefaultGasLimit is used when estimation fails.
	DefaultGasLimit = uint64(500_000)
	// DefaultConfirmationTimeout bounds WaitMined.
	DefaultConfirmationTimeout = 60 * time.Second
	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// Transactor sends transactions from one key. Sends are serialized so
// nonces are never reused.
type Transactor struct {
	client       Client
	key          *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	pollInterval time.Duration

	sendMu sync.Mutex
}

// ParsePrivateKey parses a hex key with or without a 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return key, nil
}

// NewTransactor creates a transactor for hexKey on chainID.
func NewTransactor(client Client, hexKey string, chainID int64) (*Transactor, error) {
	key, err := ParsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	return &Transactor{
		client:       client,
		key:          key,
		address:      crypto.PubkeyToAddress(key.PublicKey),
		chainID:      big.NewInt(chainID),
		pollInterval: ConfirmationPollInterval,
	}, nil
}

// WithPollInterval overrides the receipt polling interval.
func (t *Transactor) WithPollInterval(d time.Duration) *Transactor {
	t.pollInterval = d
	return t
}

// Address returns the sender address.
func (t *Transactor) Address() common.Address { return t.address }

// Call performs a read-only contract call against the latest block.
func (t *Transactor) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return t.client.CallContract(ctx, ethereum.CallMsg{From: t.address, To: &to, Data: data}, nil)
}

// Send signs and broadcasts a call to `to` carrying value and data.
func (t *Transactor) Send(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	tx, err := t.send(ctx, to, value, data)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func (t *Transactor) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	if value == nil {
		value = big.NewInt(0)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	nonce, err := t.client.PendingNonceAt(ctx, t.address)
	if err != nil {
		return nil, &TxError{Op: OpNonce, Err: err}
	}
	gasPrice, err := t.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TxError{Op: OpGasPrice, Err: err}
	}
	gasLimit, err := t.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  t.address,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		// Estimation reverts surface here; sending anyway lets the receipt
		// carry the revert so callers see one failure path.
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(t.chainID), t.key)
	if err != nil {
		return nil, &TxError{Op: OpSign, Err: err}
	}
	// A send error does not prove the node dropped the transaction.
	if err := t.client.SendTransaction(ctx, signed); err != nil {
		return nil, &TxError{Op: OpSend, TxHash: signed.Hash().Hex(), Nonce: nonce, Err: err}
	}
	return signed, nil
}

// WaitMined polls for the receipt of tx. A status-0 receipt returns the
// receipt together with ErrReverted.
func (t *Transactor) WaitMined(ctx context.Context, tx *types.Transaction, timeout time.Duration) (*types.Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	hash := tx.Hash()
	for {
		receipt, err := t.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, &TxError{Op: OpConfirm, TxHash: hash.Hex(), Nonce: tx.Nonce(), Err: ErrReverted}
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TxError{Op: OpConfirm, TxHash: hash.Hex(), Nonce: tx.Nonce(), Err: ErrTimeout}
			}
			return nil, &TxError{Op: OpConfirm, TxHash: hash.Hex(), Nonce: tx.Nonce(), Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// SendAndWait is Send followed by WaitMined.
func (t *Transactor) SendAndWait(ctx context.Context, to common.Address, value *big.Int, data []byte, timeout time.Duration) (*types.Receipt, error) {
	tx, err := t.send(ctx, to, value, data)
	if err != nil {
		return nil, err
	}
	return t.WaitMined(ctx, tx, timeout)
}

// Status reports what became of a transaction sent from this key with the
// given nonce. Without a receipt, a nonce the chain has already moved past
// means another transaction took the slot and this one can never be mined.
func (t *Transactor) Status(ctx context.Context, hash common.Hash, nonce uint64) (TxState, *types.Receipt, error) {
	// Read the nonce before the receipt so a transaction mined in between
	// is still seen as mined.
	confirmed, err := t.client.NonceAt(ctx, t.address, nil)
	if err != nil {
		return TxPending, nil, fmt.Errorf("chain: read nonce: %w", err)
	}
	receipt, err := t.client.TransactionReceipt(ctx, hash)
	switch {
	case err == nil && receipt != nil:
		if receipt.Status == types.ReceiptStatusFailed {
			return TxReverted, receipt, nil
		}
		return TxMined, receipt, nil
	case err == nil, errors.Is(err, ethereum.NotFound):
		if confirmed > nonce {
			return TxDropped, nil, nil
		}
		return TxPending, nil, nil
	default:
		return TxPending, nil, fmt.Errorf("chain: read receipt: %w", err)
	}
}
