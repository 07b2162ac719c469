package db

import (
	"github.com/natto1784/fedimint/keys"
)

// Stats 按用途统计记录数与字节数
type Stats struct {
	Keys    map[string]int `json:"keys"`
	Bytes   map[string]int `json:"bytes"`
	Modules map[string]int `json:"modules"`
}

// Inspect 全库扫描，运维命令使用
func Inspect(s Store) (*Stats, error) {
	all, err := s.ScanPrefix("", 0)
	if err != nil {
		return nil, err
	}
	st := &Stats{Keys: map[string]int{}, Bytes: map[string]int{}, Modules: map[string]int{}}
	for _, kv := range all {
		cat := keys.CategorizeKey(kv.Key).String()
		st.Keys[cat]++
		st.Bytes[cat] += len(kv.Key) + len(kv.Value)
		if m, ok := keys.ModuleOf(kv.Key); ok {
			st.Modules[m]++
		}
	}
	return st, nil
}
