package vm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry 资产标签 -> Module，启动时构建
type Registry struct {
	mu sync.RWMutex
	m  map[string]Module
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Module)}
}

// Register 注册模块，标签重复视为配置错误
func (r *Registry) Register(mod Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if mod == nil {
		return errors.New("nil module")
	}
	kind := mod.Kind()
	if kind == "" {
		return errors.New("empty module kind")
	}
	if _, ok := r.m[kind]; ok {
		return fmt.Errorf("duplicate module kind: %s", kind)
	}
	r.m[kind] = mod
	return nil
}

// MustRegister 注册失败直接 panic，只在装配阶段使用
func (r *Registry) MustRegister(mods ...Module) *Registry {
	for _, m := range mods {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Get(kind string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.m[kind]
	return m, ok
}

// List 已注册的标签，升序
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.m))
	for k := range r.m {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
