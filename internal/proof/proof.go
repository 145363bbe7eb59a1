// Package proof signs risk scores and verifies them against the on-chain
// risk ledger.
package proof

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/chain"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Kind distinguishes verifiable proofs from placeholders.
type Kind string

const (
	KindSigned      Kind = "signed"
	KindPlaceholder Kind = "placeholder"
)

// PlaceholderPrefix marks signatures that were never cryptographically signed.
const PlaceholderPrefix = "unsigned:"

var (
	ErrInvalidSignature = errors.New("proof: invalid signature")
	ErrNotAnchorable    = errors.New("proof: placeholder proofs cannot be anchored")
)

// Proof binds a score to a contract and time.
type Proof struct {
	Contract      string `json:"contract"`
	Score         int    `json:"score"`
	TimestampUnix int64  `json:"timestamp"`
	SignerAddress string `json:"signerAddress,omitempty"`
	ProofHash     string `json:"proofHash"`
	Signature     string `json:"signature"`
	Kind          Kind   `json:"kind"`
}

// Verifiable reports whether the proof carries a real signature.
func (p Proof) Verifiable() bool { return p.Kind == KindSigned }

// PayloadHash is keccak256(abi.encodePacked(address contract, uint256 score,
// uint256 timestamp, address signer)). The contract address is normalized
// so the hash does not depend on checksum casing.
func PayloadHash(contract string, score int, timestamp int64, signer common.Address) common.Hash {
	target := common.HexToAddress(strings.ToLower(contract))
	return crypto.Keccak256Hash(
		target.Bytes(),
		common.LeftPadBytes(big.NewInt(int64(score)).Bytes(), 32),
		common.LeftPadBytes(big.NewInt(timestamp).Bytes(), 32),
		signer.Bytes(),
	)
}

// Signer produces EIP-191 secp256k1 signatures over payload hashes.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses hexKey. An empty key yields a nil signer, which puts the
// service into placeholder mode.
func NewSigner(hexKey string) (*Signer, error) {
	if strings.TrimSpace(hexKey) == "" {
		return nil, nil
	}
	key, err := chain.ParsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the signer's address, or the zero address for a nil signer.
func (s *Signer) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.address
}

// SignHash signs the EIP-191 digest of hash. V is 27 or 28.
func (s *Signer) SignHash(hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(hash.Bytes()), s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverSigner returns the address that produced sig over hash.
func RecoverSigner(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(hash.Bytes()), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// placeholderSignature is sha256 over the canonical JSON payload. It
// deliberately shares no format with a hex ECDSA signature.
func placeholderSignature(contract string, score int, timestamp int64) string {
	payload := struct {
		Contract  string `json:"contract"`
		Score     int    `json:"score"`
		Timestamp int64  `json:"timestamp"`
	}{strings.ToLower(contract), score, timestamp}
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return PlaceholderPrefix + hex.EncodeToString(sum[:])
}

func decodeSignature(sig string) ([]byte, error) {
	if strings.HasPrefix(sig, PlaceholderPrefix) {
		return nil, ErrInvalidSignature
	}
	return hexutil.Decode(sig)
}
