package sources

import (
	"bytes"

	mapset "github.com/deckarep/golang-set/v2"
)

// Complexity buckets bytecode by size and dispatch table width.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Size thresholds in bytes of runtime code, metadata excluded.
const (
	mediumCodeSize  = 2 * 1024
	highCodeSize    = 12 * 1024
	highSelectorCnt = 40
)

const (
	opPUSH1        = 0x60
	opPUSH4        = 0x63
	opPUSH32       = 0x7f
	opDELEGATECALL = 0xf4
	opSELFDESTRUCT = 0xff
)

var (
	// EIP-1167 minimal proxy runtime prefix.
	minimalProxyPrefix = []byte{0x36, 0x3d, 0x3d, 0x37, 0x3d, 0x3d, 0x3d, 0x36, 0x3d, 0x73}
	// EIP-1967 implementation slot: bytes32(uint256(keccak256("eip1967.proxy.implementation")) - 1).
	eip1967ImplSlot = []byte{
		0x36, 0x08, 0x94, 0xa1, 0x3b, 0xa1, 0xa3, 0x21, 0x06, 0x67, 0xc8, 0x28, 0x49, 0x2d, 0xb9, 0x8d,
		0xca, 0x3e, 0x20, 0x76, 0xcc, 0x37, 0x35, 0xa9, 0x20, 0xa3, 0xca, 0x50, 0x5d, 0x38, 0x2b, 0xbc,
	}
)

// CodeProfile summarizes what can be read from bytecode without executing it.
type CodeProfile struct {
	HasCode         bool       `json:"hasCode"`
	Size            int        `json:"size"`
	Selectors       int        `json:"selectors"`
	Complexity      Complexity `json:"complexity"`
	IsProxy         bool       `json:"isProxy"`
	HasSelfDestruct bool       `json:"hasSelfDestruct"`
}

// AnalyzeBytecode walks the opcodes of runtime code, skipping PUSH
// immediates so data bytes are never mistaken for instructions.
func AnalyzeBytecode(code []byte) CodeProfile {
	if len(code) == 0 {
		return CodeProfile{Complexity: ComplexityLow}
	}

	body := stripMetadata(code)
	p := CodeProfile{HasCode: true, Size: len(body)}

	if bytes.HasPrefix(body, minimalProxyPrefix) {
		p.IsProxy = true
		p.Complexity = ComplexityLow
		return p
	}

	selectors := mapset.NewThreadUnsafeSet[uint32]()
	var delegatecall, implSlot bool

	for pc := 0; pc < len(body); pc++ {
		op := body[pc]
		switch {
		case op >= opPUSH1 && op <= opPUSH32:
			n := int(op-opPUSH1) + 1
			end := pc + 1 + n
			if end > len(body) {
				end = len(body)
			}
			imm := body[pc+1 : end]
			if op == opPUSH4 && len(imm) == 4 {
				selectors.Add(uint32(imm[0])<<24 | uint32(imm[1])<<16 | uint32(imm[2])<<8 | uint32(imm[3]))
			}
			if op == opPUSH32 && bytes.Equal(imm, eip1967ImplSlot) {
				implSlot = true
			}
			pc = end - 1
		case op == opDELEGATECALL:
			delegatecall = true
		case op == opSELFDESTRUCT:
			p.HasSelfDestruct = true
		}
	}

	p.Selectors = selectors.Cardinality()
	p.IsProxy = implSlot || (delegatecall && p.Selectors <= 4)

	switch {
	case p.Size >= highCodeSize || p.Selectors > highSelectorCnt:
		p.Complexity = ComplexityHigh
	case p.Size >= mediumCodeSize:
		p.Complexity = ComplexityMedium
	default:
		p.Complexity = ComplexityLow
	}
	return p
}

// stripMetadata drops the trailing CBOR metadata solc appends to runtime
// code. Its final two bytes encode the metadata length.
func stripMetadata(code []byte) []byte {
	if len(code) < 2 {
		return code
	}
	n := int(code[len(code)-2])<<8 | int(code[len(code)-1])
	if n == 0 || n+2 > len(code) {
		return code
	}
	meta := code[len(code)-2-n : len(code)-2]
	// CBOR map header (0xa1..0xa5) marks real metadata.
	if len(meta) == 0 || meta[0] < 0xa1 || meta[0] > 0xa5 {
		return code
	}
	return code[:len(code)-2-n]
}
