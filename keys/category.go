// keys/category.go
// Key 分类：盘点数据库时按用途统计
package keys

import "strings"

// KeyCategory 定义 Key 的归属
type KeyCategory int

const (
	CategoryOther     KeyCategory = iota
	CategoryConsensus             // epoch 历史、交易结果、锁定值
	CategoryLedger                // 作废账本
	CategoryModule                // 模块私有状态
)

func (c KeyCategory) String() string {
	switch c {
	case CategoryConsensus:
		return "consensus"
	case CategoryLedger:
		return "ledger"
	case CategoryModule:
		return "module"
	}
	return "other"
}

var consensusPrefixes = []string{
	"v1_epoch_",
	"v1_latest_epoch",
	"v1_txout_",
	"v1_lock_",
}

// CategorizeKey 判断 key 的用途
func CategorizeKey(key string) KeyCategory {
	if strings.HasPrefix(key, KeyNullifierPrefix()) {
		return CategoryLedger
	}
	if strings.HasPrefix(key, withVer("mod_")) {
		return CategoryModule
	}
	for _, p := range consensusPrefixes {
		if strings.HasPrefix(key, p) {
			return CategoryConsensus
		}
	}
	return CategoryOther
}

// ModuleOf 返回模块键所属的模块名
func ModuleOf(key string) (string, bool) {
	p := withVer("mod_")
	if !strings.HasPrefix(key, p) {
		return "", false
	}
	rest := key[len(p):]
	i := strings.IndexByte(rest, '_')
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}
