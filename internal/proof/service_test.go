package proof

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey      = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testContract = "0x00000000000000000000000000000000000000AA"
	testTS       = int64(1_800_000_000)
)

type brokenLedger struct{}

func (brokenLedger) Store(context.Context, Record) error { return errors.New("rpc down") }
func (brokenLedger) Lookup(context.Context, common.Address, int64) (*Record, error) {
	return nil, errors.New("rpc down")
}

func newSigningService(t *testing.T, ledger RiskLedger) *Service {
	t.Helper()
	signer, err := NewSigner(testKey)
	require.NoError(t, err)
	return NewService(signer, ledger, nil)
}

func TestNewSigner_EmptyKeyIsNil(t *testing.T) {
	s, err := NewSigner("")
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, common.Address{}, s.Address())
}

func TestNewSigner_InvalidKey(t *testing.T) {
	_, err := NewSigner("not-hex")
	assert.Error(t, err)
}

func TestSign_Signed(t *testing.T) {
	svc := newSigningService(t, nil)

	p, err := svc.Sign(testContract, 42, testTS)
	require.NoError(t, err)

	assert.Equal(t, KindSigned, p.Kind)
	assert.Equal(t, strings.ToLower(testContract), p.Contract)
	assert.True(t, p.Verifiable())

	sig, err := hexutil.Decode(p.Signature)
	require.NoError(t, err)
	recovered, err := RecoverSigner(common.HexToHash(p.ProofHash), sig)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(recovered.Hex()), p.SignerAddress)
}

func TestSign_HashIgnoresAddressCasing(t *testing.T) {
	svc := newSigningService(t, nil)
	a, _ := svc.Sign(testContract, 10, testTS)
	b, _ := svc.Sign(strings.ToLower(testContract), 10, testTS)
	assert.Equal(t, a.ProofHash, b.ProofHash)
	assert.Equal(t, a.Signature, b.Signature)
}

func TestSign_PlaceholderWithoutKey(t *testing.T) {
	svc := NewService(nil, NewMemoryLedger(), nil)
	p, err := svc.Sign(testContract, 42, testTS)
	require.NoError(t, err)

	assert.Equal(t, KindPlaceholder, p.Kind)
	assert.False(t, p.Verifiable())
	assert.True(t, strings.HasPrefix(p.Signature, PlaceholderPrefix))
	assert.Empty(t, p.SignerAddress)
	assert.ErrorIs(t, svc.Anchor(context.Background(), p), ErrNotAnchorable)
}

func TestVerify_RoundTrip(t *testing.T) {
	ledger := NewMemoryLedger()
	svc := newSigningService(t, ledger)
	ctx := context.Background()

	p, err := svc.Sign(testContract, 42, testTS)
	require.NoError(t, err)
	require.NoError(t, svc.Anchor(ctx, p))

	assert.True(t, svc.Verify(ctx, testContract, testTS, p.ProofHash))
}

func TestVerify_MutationsRejected(t *testing.T) {
	ledger := NewMemoryLedger()
	svc := newSigningService(t, ledger)
	ctx := context.Background()

	p, err := svc.Sign(testContract, 42, testTS)
	require.NoError(t, err)
	require.NoError(t, svc.Anchor(ctx, p))

	other, _ := svc.Sign(testContract, 43, testTS)

	assert.False(t, svc.Verify(ctx, testContract, testTS, other.ProofHash), "different score")
	assert.False(t, svc.Verify(ctx, testContract, testTS+1, p.ProofHash), "different timestamp")
	assert.False(t, svc.Verify(ctx, "0x00000000000000000000000000000000000000bb", testTS, p.ProofHash), "different contract")
	assert.False(t, svc.Verify(ctx, testContract, testTS, "0x1234"), "malformed hash")
}

func TestVerify_TamperedLedgerSignature(t *testing.T) {
	ledger := NewMemoryLedger()
	svc := newSigningService(t, ledger)
	ctx := context.Background()

	p, _ := svc.Sign(testContract, 42, testTS)
	sig, _ := hexutil.Decode(p.Signature)
	sig[10] ^= 0xff
	require.NoError(t, ledger.Store(ctx, Record{
		Contract:  common.HexToAddress(testContract),
		Score:     42,
		Timestamp: testTS,
		ProofHash: common.HexToHash(p.ProofHash),
		Signer:    common.HexToAddress(p.SignerAddress),
		Signature: sig,
	}))

	assert.False(t, svc.Verify(ctx, testContract, testTS, p.ProofHash))
}

func TestVerify_ForeignSignerRejected(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	other, err := NewSigner("8da4ef21b864d2cc526dbdb2a120bd2874c36c9d0a1fb7f8c63d7f7a8b41de8f")
	require.NoError(t, err)
	forger := NewService(other, ledger, nil)
	p, err := forger.Sign(testContract, 5, testTS)
	require.NoError(t, err)
	require.NoError(t, forger.Anchor(ctx, p))

	svc := newSigningService(t, ledger)
	assert.False(t, svc.Verify(ctx, testContract, testTS, p.ProofHash))

	// Without a key of its own the service accepts any self-consistent record.
	readOnly := NewService(nil, ledger, nil)
	assert.True(t, readOnly.Verify(ctx, testContract, testTS, p.ProofHash))
}

func TestVerify_MissingSignatureRejected(t *testing.T) {
	ledger := NewMemoryLedger()
	svc := newSigningService(t, ledger)
	ctx := context.Background()

	p, _ := svc.Sign(testContract, 42, testTS)
	require.NoError(t, ledger.Store(ctx, Record{
		Contract:  common.HexToAddress(testContract),
		Score:     42,
		Timestamp: testTS,
		ProofHash: common.HexToHash(p.ProofHash),
		Signer:    common.HexToAddress(p.SignerAddress),
	}))

	assert.False(t, svc.Verify(ctx, testContract, testTS, p.ProofHash))
	assert.False(t, NewService(nil, ledger, nil).Verify(ctx, testContract, testTS, p.ProofHash))
}

func TestVerify_LedgerFailureFailsClosed(t *testing.T) {
	svc := newSigningService(t, brokenLedger{})
	p, _ := svc.Sign(testContract, 42, testTS)
	assert.False(t, svc.Verify(context.Background(), testContract, testTS, p.ProofHash))
}

func TestVerify_NoLedger(t *testing.T) {
	svc := newSigningService(t, nil)
	p, _ := svc.Sign(testContract, 42, testTS)
	assert.False(t, svc.Verify(context.Background(), testContract, testTS, p.ProofHash))
	assert.ErrorIs(t, svc.Anchor(context.Background(), p), ErrReadOnly)
}

func TestMemoryLedger_WriteOnce(t *testing.T) {
	l := NewMemoryLedger()
	rec := Record{Contract: common.HexToAddress(testContract), Timestamp: testTS}
	require.NoError(t, l.Store(context.Background(), rec))
	assert.Error(t, l.Store(context.Background(), rec))

	_, err := l.Lookup(context.Background(), common.HexToAddress(testContract), testTS+1)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRecoverSigner_BadLength(t *testing.T) {
	_, err := RecoverSigner(common.Hash{}, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
