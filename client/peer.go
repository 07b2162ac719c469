package client

import (
	"context"

	"github.com/natto1784/fedimint/modules/ln"
	"github.com/natto1784/fedimint/signer"
	"github.com/natto1784/fedimint/types"
)

// Peer 客户端看到的单个 guardian。rpc.Client 与进程内的 guardian.API 都实现它。
type Peer interface {
	RequestIssuance(ctx context.Context, req signer.IssuanceRequest) (*signer.PartialSignature, error)
	SubmitTransaction(ctx context.Context, tx *types.Transaction) (*types.EpochAck, error)
	TransactionStatus(ctx context.Context, id types.TxID) (*types.TxOutcome, error)
	GetContract(ctx context.Context, id ln.ContractID) (*ln.ContractRecord, error)
}
