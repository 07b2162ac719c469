package consensus

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/natto1784/fedimint/types"
)

var ErrPeerUnreachable = errors.New("consensus: peer unreachable")

// Transport guardian 之间的点对点认证通道
type Transport interface {
	Send(to types.GuardianID, msg *Message) error
	// Broadcast 发给除自己以外的所有 guardian
	Broadcast(msg *Message)
	Receive() <-chan *Message
}

// SimulatedNetwork 进程内网络，可以让节点离线或按规则丢包
type SimulatedNetwork struct {
	mu         sync.RWMutex
	transports map[types.GuardianID]*SimulatedTransport
	offline    map[types.GuardianID]bool
	drop       func(from, to types.GuardianID, msg *Message) bool
	latency    time.Duration

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewSimulatedNetwork(latency time.Duration) *SimulatedNetwork {
	return &SimulatedNetwork{
		transports: make(map[types.GuardianID]*SimulatedTransport),
		offline:    make(map[types.GuardianID]bool),
		latency:    latency,
		done:       make(chan struct{}),
	}
}

// Join 为 id 创建传输端点
func (n *SimulatedNetwork) Join(id types.GuardianID) *SimulatedTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &SimulatedTransport{id: id, network: n, inbox: make(chan *Message, 4096)}
	n.transports[id] = t
	return t
}

func (n *SimulatedNetwork) SetOffline(id types.GuardianID, offline bool) {
	n.mu.Lock()
	n.offline[id] = offline
	n.mu.Unlock()
}

// SetDropFilter 返回 true 的消息被丢弃
func (n *SimulatedNetwork) SetDropFilter(fn func(from, to types.GuardianID, msg *Message) bool) {
	n.mu.Lock()
	n.drop = fn
	n.mu.Unlock()
}

// Close 停止所有在途投递
func (n *SimulatedNetwork) Close() {
	n.once.Do(func() { close(n.done) })
	n.wg.Wait()
}

func (n *SimulatedNetwork) peers(exclude types.GuardianID) []types.GuardianID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]types.GuardianID, 0, len(n.transports))
	for id := range n.transports {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func (n *SimulatedNetwork) deliver(from, to types.GuardianID, msg *Message) error {
	n.mu.RLock()
	recv, ok := n.transports[to]
	down := n.offline[from] || n.offline[to]
	drop := n.drop
	n.mu.RUnlock()
	if !ok {
		return ErrPeerUnreachable
	}
	if down || (drop != nil && drop(from, to, msg)) {
		return nil
	}
	// 编解码一次，接收方拿到独立副本
	cp, err := DecodeMessage(msg.Encode())
	if err != nil {
		return err
	}
	select {
	case <-n.done:
		return nil
	default:
	}
	delay := n.latency
	if delay > 0 {
		delay += time.Duration(rand.Int63n(int64(delay/2) + 1))
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-n.done:
				return
			}
		}
		select {
		case recv.inbox <- cp:
		case <-time.After(100 * time.Millisecond):
		case <-n.done:
		}
	}()
	return nil
}

type SimulatedTransport struct {
	id      types.GuardianID
	network *SimulatedNetwork
	inbox   chan *Message
}

func (t *SimulatedTransport) Send(to types.GuardianID, msg *Message) error {
	return t.network.deliver(t.id, to, msg)
}

func (t *SimulatedTransport) Broadcast(msg *Message) {
	for _, p := range t.network.peers(t.id) {
		_ = t.Send(p, msg)
	}
}

func (t *SimulatedTransport) Receive() <-chan *Message { return t.inbox }
