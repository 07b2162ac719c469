// dkg/log.go
// 分阶段、只追加的广播日志。每个阶段有独立的闸门：
// 阶段封存后不再接收该阶段的条目，同一发送者同一阶段只能写一次。

package dkg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/natto1784/fedimint/types"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Stage 日志阶段
type Stage uint8

const (
	StageCommit    Stage = iota + 1 // Feldman 承诺
	StageShare                      // 加密的点对点份额
	StageComplaint                  // 投诉（可为空）
	StageReveal                     // 被投诉的 dealer 公开份额与随机数
	StageDone                       // 各自结果的摘要，交叉核对
)

var stageOrder = []Stage{StageCommit, StageShare, StageComplaint, StageReveal, StageDone}

func (s Stage) String() string {
	switch s {
	case StageCommit:
		return "COMMIT"
	case StageShare:
		return "SHARE"
	case StageComplaint:
		return "COMPLAINT"
	case StageReveal:
		return "REVEAL"
	case StageDone:
		return "DONE"
	}
	return "UNKNOWN"
}

var (
	ErrStageSealed    = errors.New("dkg: stage already sealed")
	ErrDuplicateEntry = errors.New("dkg: duplicate entry")
	ErrUnknownSender  = errors.New("dkg: unknown sender")
	ErrBadEntrySig    = errors.New("dkg: bad entry signature")
	ErrUnknownStage   = errors.New("dkg: unknown stage")
)

// Entry 一条广播记录，由发送者身份密钥签名
type Entry struct {
	Session   string           `json:"session"`
	Stage     Stage            `json:"stage"`
	From      types.GuardianID `json:"from"`
	Payload   []byte           `json:"payload"`
	Signature []byte           `json:"sig"`
}

func (e *Entry) digest() []byte {
	var hdr [3]byte
	hdr[0] = byte(e.Stage)
	binary.BigEndian.PutUint16(hdr[1:], uint16(e.From))
	h := types.TaggedHash("fedimint/dkg/entry", []byte(e.Session), hdr[:], e.Payload)
	return h[:]
}

// Sign 用身份私钥签名
func (e *Entry) Sign(priv *btcec.PrivateKey) error {
	sig, err := schnorr.Sign(priv, e.digest())
	if err != nil {
		return err
	}
	e.Signature = sig.Serialize()
	return nil
}

// Verify 用发送者身份公钥校验
func (e *Entry) Verify(pub *btcec.PublicKey) bool {
	sig, err := schnorr.ParseSignature(e.Signature)
	if err != nil {
		return false
	}
	return sig.Verify(e.digest(), pub)
}

// Log 一个 guardian 本地看到的广播日志
type Log struct {
	mu      sync.RWMutex
	session string
	peers   []*btcec.PublicKey
	sealed  map[Stage]bool
	entries map[Stage]map[types.GuardianID]*Entry
}

func NewLog(session string, peers []*btcec.PublicKey) *Log {
	l := &Log{
		session: session,
		peers:   peers,
		sealed:  make(map[Stage]bool),
		entries: make(map[Stage]map[types.GuardianID]*Entry),
	}
	for _, s := range stageOrder {
		l.entries[s] = make(map[types.GuardianID]*Entry)
	}
	return l
}

// Append 通过全部闸门才写入；提前到达的后续阶段条目也接收
func (l *Log) Append(e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.entries[e.Stage]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownStage, e.Stage)
	}
	if e.Session != l.session {
		return fmt.Errorf("dkg: entry for session %q, want %q", e.Session, l.session)
	}
	if int(e.From) >= len(l.peers) {
		return fmt.Errorf("%w: %d", ErrUnknownSender, e.From)
	}
	if l.sealed[e.Stage] {
		return fmt.Errorf("%w: %s from %s", ErrStageSealed, e.Stage, e.From)
	}
	if _, dup := bucket[e.From]; dup {
		return fmt.Errorf("%w: %s from %s", ErrDuplicateEntry, e.Stage, e.From)
	}
	if !e.Verify(l.peers[e.From]) {
		return fmt.Errorf("%w: %s from %s", ErrBadEntrySig, e.Stage, e.From)
	}
	bucket[e.From] = e
	return nil
}

// Seal 封存阶段
func (l *Log) Seal(s Stage) {
	l.mu.Lock()
	l.sealed[s] = true
	l.mu.Unlock()
}

func (l *Log) Sealed(s Stage) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sealed[s]
}

// Complete 该阶段是否所有 guardian 都已写入
func (l *Log) Complete(s Stage) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries[s]) == len(l.peers)
}

// Count 已写入的条目数
func (l *Log) Count(s Stage) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries[s])
}

// Get 取某个 guardian 在某阶段的条目
func (l *Log) Get(s Stage, from types.GuardianID) (*Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[s][from]
	return e, ok
}

// Entries 按 guardian 编号排序
func (l *Log) Entries(s Stage) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Entry, 0, len(l.entries[s]))
	for _, e := range l.entries[s] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}
