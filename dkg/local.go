// dkg/local.go
// 进程内广播网络，本地仪式与测试使用

package dkg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/natto1784/fedimint/tbs"
	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/sync/errgroup"
)

// LocalNetwork 每个 guardian 一个收件箱
type LocalNetwork struct {
	mu      sync.RWMutex
	inboxes []chan *Entry
	offline map[types.GuardianID]bool
}

func NewLocalNetwork(n int) *LocalNetwork {
	h := &LocalNetwork{
		inboxes: make([]chan *Entry, n),
		offline: make(map[types.GuardianID]bool),
	}
	for i := range h.inboxes {
		// 转发后每个阶段每个来源最多收到 n 份
		h.inboxes[i] = make(chan *Entry, n*n*len(stageOrder))
	}
	return h
}

// SetOffline 离线节点既不发送也不接收
func (h *LocalNetwork) SetOffline(id types.GuardianID, off bool) {
	h.mu.Lock()
	h.offline[id] = off
	h.mu.Unlock()
}

func (h *LocalNetwork) isOffline(id types.GuardianID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.offline[id]
}

// Endpoint guardian id 的网络视图
func (h *LocalNetwork) Endpoint(id types.GuardianID) Network {
	return &localEndpoint{hub: h, id: id}
}

type localEndpoint struct {
	hub *LocalNetwork
	id  types.GuardianID
}

func (ep *localEndpoint) Inbox() <-chan *Entry { return ep.hub.inboxes[ep.id] }

func (ep *localEndpoint) Broadcast(ctx context.Context, e *Entry) error {
	if ep.hub.isOffline(ep.id) {
		return nil
	}
	for j, ch := range ep.hub.inboxes {
		to := types.GuardianID(j)
		if to == ep.id || ep.hub.isOffline(to) {
			continue
		}
		select {
		case ch <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// GenerateIdentities 为 n 个 guardian 生成身份密钥
func GenerateIdentities(n int) ([]*btcec.PrivateKey, []*btcec.PublicKey, error) {
	privs := make([]*btcec.PrivateKey, n)
	pubs := make([]*btcec.PublicKey, n)
	for i := 0; i < n; i++ {
		k, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, nil, err
		}
		privs[i] = k
		pubs[i] = k.PubKey()
	}
	return privs, pubs, nil
}

// LocalResult 一个 guardian 的仪式结果
type LocalResult struct {
	Share *tbs.ThresholdKeyShare
	Err   error
}

// RunLocal 在进程内跑完整仪式；skip 中的 guardian 不参与
func RunLocal(ctx context.Context, n, f, t int, stageTimeout time.Duration, privs []*btcec.PrivateKey, pubs []*btcec.PublicKey, skip ...types.GuardianID) ([]LocalResult, error) {
	hub := NewLocalNetwork(n)
	for _, s := range skip {
		hub.SetOffline(s, true)
	}
	session := fmt.Sprintf("dkg-%d-%d-%d", n, t, time.Now().UnixNano())
	ceremonies := make([]*Ceremony, n)
	for i := 0; i < n; i++ {
		c, err := NewCeremony(Params{
			Session: session, N: n, F: f, T: t,
			Self: types.GuardianID(i), Identity: privs[i], Peers: pubs,
		})
		if err != nil {
			return nil, err
		}
		ceremonies[i] = c
	}
	return runCeremonies(ctx, hub, ceremonies, stageTimeout), nil
}

func runCeremonies(ctx context.Context, hub *LocalNetwork, ceremonies []*Ceremony, stageTimeout time.Duration) []LocalResult {
	out := make([]LocalResult, len(ceremonies))
	var g errgroup.Group
	for i, c := range ceremonies {
		id := types.GuardianID(i)
		if hub.isOffline(id) {
			out[i].Err = types.ErrUnavailable
			continue
		}
		co := NewCoordinator(c, hub.Endpoint(id), stageTimeout)
		g.Go(func() error {
			out[i].Share, out[i].Err = co.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
