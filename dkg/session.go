// dkg/session.go
// DKG 会话状态机：只有阶段与转换，不包含网络和密码学操作

package dkg

import (
	"errors"
	"sync"
	"time"
)

// Phase DKG 会话阶段
type Phase int

const (
	PhaseInit        Phase = iota
	PhaseCommitting        // 收集承诺点
	PhaseSharing           // 发送/收集加密 shares
	PhaseComplaining       // 收集投诉
	PhaseRevealing         // 被投诉方公开
	PhaseConfirming        // 交叉核对结果
	PhaseKeyReady          // 密钥生成完成
	PhaseFailed            // 失败
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseCommitting:
		return "COMMITTING"
	case PhaseSharing:
		return "SHARING"
	case PhaseComplaining:
		return "COMPLAINING"
	case PhaseRevealing:
		return "REVEALING"
	case PhaseConfirming:
		return "CONFIRMING"
	case PhaseKeyReady:
		return "KEY_READY"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrInvalidPhase  = errors.New("invalid DKG phase")
	ErrSessionClosed = errors.New("DKG session closed")
)

// phaseForStage 每个日志阶段对应的会话阶段
func phaseForStage(s Stage) Phase {
	switch s {
	case StageCommit:
		return PhaseCommitting
	case StageShare:
		return PhaseSharing
	case StageComplaint:
		return PhaseComplaining
	case StageReveal:
		return PhaseRevealing
	case StageDone:
		return PhaseConfirming
	}
	return PhaseFailed
}

// Session 记录阶段与时间点
type Session struct {
	mu sync.RWMutex

	ID          string
	Phase       Phase
	StartedAt   time.Time
	CompletedAt time.Time
	FailReason  string
	closed      bool
}

func NewSession(id string) *Session {
	return &Session{ID: id, Phase: PhaseInit}
}

// Start 进入 COMMITTING
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.Phase != PhaseInit {
		return ErrInvalidPhase
	}
	s.Phase = PhaseCommitting
	s.StartedAt = time.Now()
	return nil
}

// Advance 只能前进到下一个阶段
func (s *Session) Advance(to Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if to != s.Phase+1 || to > PhaseKeyReady {
		return ErrInvalidPhase
	}
	s.Phase = to
	if to == PhaseKeyReady {
		s.CompletedAt = time.Now()
		s.closed = true
	}
	return nil
}

// Fail 任意阶段都可以失败，之后会话关闭
func (s *Session) Fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.Phase = PhaseFailed
	s.FailReason = reason
	s.CompletedAt = time.Now()
	s.closed = true
}

func (s *Session) Current() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Phase
}
