// keys/keys.go
// 统一的 Key 定义包，供 VM、各业务模块和 DB 共同使用
package keys

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ===================== 版本控制 =====================
// 全局 Key 版本前缀（"v1" → 产出 "v1_<key>"）
const KeyVersion = "v1"

// withVer 把版本号拼到最前面（保持下划线风格：v1_<...>）
func withVer(s string) string {
	if KeyVersion == "" {
		return s
	}
	return KeyVersion + "_" + s
}

// StripVersion 把带版本的键去掉版本前缀
func StripVersion(prefixed string) string {
	if KeyVersion == "" {
		return prefixed
	}
	return strings.TrimPrefix(prefixed, KeyVersion+"_")
}

// ===================== epoch 相关 =====================

// KeyEpoch 已应用的 epoch
// 例：v1_epoch_00000000000000000042
func KeyEpoch(number uint64) string {
	return withVer(fmt.Sprintf("epoch_%020d", number))
}

// KeyEpochPrefix 用于按顺序扫描全部 epoch
func KeyEpochPrefix() string {
	return withVer("epoch_")
}

// KeyLatestEpoch 最近一次提交的 epoch 编号
// 例：v1_latest_epoch
func KeyLatestEpoch() string {
	return withVer("latest_epoch")
}

// KeyTxOutcome 交易处理结果，同时用于幂等判断
// 例：v1_txout_<txid>
func KeyTxOutcome(txID string) string {
	return withVer("txout_" + txID)
}

// KeyPrepareLock 共识锁定值，重启后恢复
// 例：v1_lock_00000000000000000042
func KeyPrepareLock(epoch uint64) string {
	return withVer(fmt.Sprintf("lock_%020d", epoch))
}

// ===================== 作废账本 =====================

// KeyNullifier 已花费 note 的作废标识
// 例：v1_nullifier_<hex>
func KeyNullifier(nullifier []byte) string {
	return withVer("nullifier_" + hex.EncodeToString(nullifier))
}

func KeyNullifierPrefix() string {
	return withVer("nullifier_")
}

// ===================== 模块状态 =====================

// KeyModulePrefix 每个模块独占的命名空间
// 例：v1_mod_mint_
func KeyModulePrefix(kind string) string {
	return withVer("mod_" + kind + "_")
}

// KeyModule 模块内部的键
// 例：v1_mod_wallet_pegout_<outpoint>
func KeyModule(kind, sub string) string {
	return KeyModulePrefix(kind) + sub
}
