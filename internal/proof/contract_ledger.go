package proof

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/chain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// riskLedgerABI is the interface of the deployed risk oracle contract.
const riskLedgerABI = `[
	{"inputs":[{"name":"target","type":"address"},{"name":"score","type":"uint256"},{"name":"timestamp","type":"uint256"},{"name":"proofHash","type":"bytes32"},{"name":"signature","type":"bytes"}],"name":"storeResult","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"target","type":"address"},{"name":"timestamp","type":"uint256"}],"name":"getResult","outputs":[{"name":"score","type":"uint256"},{"name":"proofHash","type":"bytes32"},{"name":"signer","type":"address"},{"name":"signature","type":"bytes"},{"name":"exists","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"target","type":"address"},{"name":"timestamp","type":"uint256"},{"name":"proofHash","type":"bytes32"}],"name":"verifyProof","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"target","type":"address"},{"indexed":false,"name":"score","type":"uint256"},{"indexed":false,"name":"timestamp","type":"uint256"},{"indexed":false,"name":"proofHash","type":"bytes32"}],"name":"RiskResultStored","type":"event"}
]`

// ErrReadOnly is returned by Store when the ledger has no transactor.
var ErrReadOnly = errors.New("proof: ledger is read-only")

// Caller performs read-only contract calls.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ContractLedger reads and writes the on-chain risk oracle.
type ContractLedger struct {
	address    common.Address
	caller     Caller
	transactor *chain.Transactor
	abi        abi.ABI
	timeout    time.Duration
}

// NewContractLedger binds the oracle at address. transactor may be nil for
// a read-only ledger.
func NewContractLedger(address common.Address, caller Caller, transactor *chain.Transactor) (*ContractLedger, error) {
	parsed, err := abi.JSON(strings.NewReader(riskLedgerABI))
	if err != nil {
		return nil, fmt.Errorf("parse risk ledger ABI: %w", err)
	}
	return &ContractLedger{
		address:    address,
		caller:     caller,
		transactor: transactor,
		abi:        parsed,
		timeout:    chain.DefaultConfirmationTimeout,
	}, nil
}

// Store submits storeResult and waits for it to be mined.
func (l *ContractLedger) Store(ctx context.Context, rec Record) error {
	if l.transactor == nil {
		return ErrReadOnly
	}
	data, err := l.abi.Pack("storeResult",
		rec.Contract,
		big.NewInt(int64(rec.Score)),
		big.NewInt(rec.Timestamp),
		rec.ProofHash,
		rec.Signature,
	)
	if err != nil {
		return fmt.Errorf("pack storeResult: %w", err)
	}
	_, err = l.transactor.SendAndWait(ctx, l.address, nil, data, l.timeout)
	return err
}

type getResultOutput struct {
	Score     *big.Int
	ProofHash [32]byte
	Signer    common.Address
	Signature []byte
	Exists    bool
}

// Lookup calls getResult(target, timestamp).
func (l *ContractLedger) Lookup(ctx context.Context, contract common.Address, timestamp int64) (*Record, error) {
	data, err := l.abi.Pack("getResult", contract, big.NewInt(timestamp))
	if err != nil {
		return nil, fmt.Errorf("pack getResult: %w", err)
	}
	raw, err := l.caller.CallContract(ctx, ethereum.CallMsg{To: &l.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getResult: %w", err)
	}

	var out getResultOutput
	if err := l.abi.UnpackIntoInterface(&out, "getResult", raw); err != nil {
		return nil, fmt.Errorf("unpack getResult: %w", err)
	}
	if !out.Exists {
		return nil, ErrRecordNotFound
	}
	return &Record{
		Contract:  contract,
		Score:     int(out.Score.Int64()),
		Timestamp: timestamp,
		ProofHash: common.Hash(out.ProofHash),
		Signer:    out.Signer,
		Signature: out.Signature,
	}, nil
}

var _ RiskLedger = (*ContractLedger)(nil)
