package types

import "errors"

// 五类错误，各包返回的错误都应能 errors.Is 到其中之一
var (
	// DKG 无法达到法定人数，需要操作员重新配置后重启，不自动重试
	ErrSetupFatal = errors.New("setup fatal")
	// 截止时间内响应的 guardian 不足
	ErrUnavailable = errors.New("federation unavailable")
	// 对方给出了畸形或无效的密码学证明
	ErrProtocolViolation = errors.New("protocol violation")
	// 单笔交易未通过模块校验，只影响这一笔
	ErrConsensusInvariant = errors.New("transaction rejected")
	// 本地持久化失败，需要从其它 guardian 重新同步
	ErrLocalStorage = errors.New("local storage failure")
)

type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassSetupFatal
	ClassAvailability
	ClassProtocolViolation
	ClassConsensusInvariant
	ClassLocalStorage
)

func (c ErrorClass) String() string {
	switch c {
	case ClassSetupFatal:
		return "setup-fatal"
	case ClassAvailability:
		return "availability"
	case ClassProtocolViolation:
		return "protocol-violation"
	case ClassConsensusInvariant:
		return "consensus-invariant"
	case ClassLocalStorage:
		return "local-storage"
	}
	return "unknown"
}

// Classify 返回错误所属类别
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrSetupFatal):
		return ClassSetupFatal
	case errors.Is(err, ErrUnavailable):
		return ClassAvailability
	case errors.Is(err, ErrProtocolViolation):
		return ClassProtocolViolation
	case errors.Is(err, ErrConsensusInvariant):
		return ClassConsensusInvariant
	case errors.Is(err, ErrLocalStorage):
		return ClassLocalStorage
	}
	return ClassUnknown
}

// Retryable 只有可用性错误值得重试
func Retryable(err error) bool {
	return Classify(err) == ClassAvailability
}
