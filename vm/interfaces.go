package vm

import "github.com/natto1784/fedimint/types"

// StateView 状态视图接口
type StateView interface {
	// 读/写/删某个 key；写入只进视图，不直接落到底层 DB
	Get(key string) ([]byte, bool, error)
	Has(key string) (bool, error)
	Set(key string, val []byte)
	Del(key string)
	// 快照与回滚，单笔交易失败时撤销它的写入
	Snapshot() int
	Revert(snap int) error
	// 整个 epoch 累积的写集
	Diff() []WriteOp
	Scan(prefix string) (map[string][]byte, error)
}

// Module 一种资产的校验与状态迁移。
// 每个模块只解释 Module 字段等于自己 Kind 的输入输出，共识层不感知其内部状态。
type Module interface {
	Kind() string
	// PreCheck 无状态检查：编码、长度、字段范围
	PreCheck(tx *types.Transaction) error
	// Validate 只读校验，拒绝时返回 *RejectError
	Validate(ctx *TxContext, tx *types.Transaction, sv StateView) (*Validation, error)
	// Apply 在 Validate 通过后修改模块状态
	Apply(ctx *TxContext, tx *types.Transaction, sv StateView) error
}

// Auditor 可选：汇报模块的资产与负债
type Auditor interface {
	Audit(sv StateView) (*AuditSummary, error)
}
