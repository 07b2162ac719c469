package vm

import (
	"errors"
	"fmt"

	"github.com/natto1784/fedimint/types"
)

var (
	ErrInvalidSnapshot = errors.New("invalid snapshot index")
	ErrNilEpoch        = errors.New("nil epoch")
	ErrEpochApplied    = errors.New("epoch already applied")
	ErrEpochGap        = errors.New("epoch out of order")
	ErrPrevHash        = errors.New("epoch does not extend local history")
)

// 拒绝原因，写进 TxOutcome.Reason，各节点必须一致
const (
	ReasonDoubleSpend      = "double_spend"
	ReasonInvalidSignature = "invalid_signature"
	ReasonUnbalanced       = "unbalanced"
	ReasonUnknownModule    = "unknown_module"
	ReasonAlreadyApplied   = "already_applied"
	ReasonInvalidInput     = "invalid_input"
	ReasonInvalidOutput    = "invalid_output"
	ReasonMalformed        = "malformed"
	ReasonUnknownContract  = "unknown_contract"
	ReasonNotConfirmed     = "not_confirmed"
	ReasonTimelock         = "timelock"
	ReasonOverflow         = "overflow"
)

// RejectError 单笔交易未通过校验，只丢弃这一笔
type RejectError struct {
	Reason string
	Module string
	Detail string
}

func (e *RejectError) Error() string {
	msg := "tx rejected: " + e.Reason
	if e.Module != "" {
		msg += " (" + e.Module + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *RejectError) Is(target error) bool { return target == types.ErrConsensusInvariant }

// Reject 构造拒绝错误
func Reject(module, reason, format string, args ...interface{}) *RejectError {
	return &RejectError{Reason: reason, Module: module, Detail: fmt.Sprintf(format, args...)}
}

// RejectReason 取出拒绝原因，非拒绝错误返回空串
func RejectReason(err error) string {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}

// WriteOp 写集中的一条
type WriteOp struct {
	Key   string
	Value []byte
	Del   bool
}

// TxContext 交易在 epoch 中的位置
type TxContext struct {
	Epoch uint64
	TxID  types.TxID
	Index int
}

// Validation 模块对交易中属于自己的那部分给出的结论
type Validation struct {
	InputAmount  types.Amount
	OutputAmount types.Amount
	// 输入下标 -> 32 字节 x-only 花费公钥，第 i 个签名用它验证
	SpendKeys map[int][]byte
}

// AuditSummary 模块负债与资产，用于运维对账
type AuditSummary struct {
	Module      string       `json:"module"`
	Assets      types.Amount `json:"assets"`
	Liabilities types.Amount `json:"liabilities"`
}
