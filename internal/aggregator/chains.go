package aggregator

import (
	"context"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/sources"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// DefaultChains wires the standard upstream priority:
//
//	bytecode:  rpc, explorer
//	holders:   explorer, rpc log scan
//	age:       explorer, rpc log scan
//	verified:  explorer
//	liquidity: dex, rpc native balance
//
// Nil clients are skipped.
func DefaultChains(explorer *sources.ExplorerClient, rpc *sources.RPCSource, dex *sources.DexClient) Chains {
	var c Chains

	if rpc != nil {
		c.Bytecode = append(c.Bytecode, codeUpstream(sources.NameRPC, rpc))
	}
	if explorer != nil {
		c.Bytecode = append(c.Bytecode, codeUpstream(sources.NameExplorer, explorer))
		c.Holders = append(c.Holders, Upstream[int64]{Name: sources.NameExplorer, Fetch: explorer.HolderCount})
		c.Age = append(c.Age, Upstream[time.Time]{Name: sources.NameExplorer, Fetch: explorer.CreatedAt})
		c.Verified = append(c.Verified, Upstream[bool]{Name: sources.NameExplorer, Fetch: explorer.Verified})
	}
	if rpc != nil {
		c.Holders = append(c.Holders, Upstream[int64]{Name: sources.NameRPC, Fetch: rpc.HolderCount})
		c.Age = append(c.Age, Upstream[time.Time]{Name: sources.NameRPC, Fetch: rpc.CreatedAt})
	}
	if dex != nil {
		c.Liquidity = append(c.Liquidity, Upstream[decimal.Decimal]{Name: sources.NameDex, Fetch: dex.Liquidity})
	}
	if rpc != nil {
		c.Liquidity = append(c.Liquidity, Upstream[decimal.Decimal]{Name: sources.NameRPC, Fetch: rpc.Liquidity})
	}
	return c
}

func codeUpstream(name string, src sources.CodeSource) Upstream[sources.CodeProfile] {
	return Upstream[sources.CodeProfile]{
		Name: name,
		Fetch: func(ctx context.Context, addr common.Address) (sources.CodeProfile, error) {
			code, err := src.Code(ctx, addr)
			if err != nil {
				return sources.CodeProfile{}, err
			}
			return sources.AnalyzeBytecode(code), nil
		},
	}
}
