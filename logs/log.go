package logs

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 定义日志级别常量（数值越大，级别越高）
const (
	LevelTrace   = iota // 0（最低，最详细）
	LevelDebug          // 1
	LevelVerbose        // 2
	LevelInfo           // 3
	LevelWarning        // 4
	LevelError          // 5（最高，最严重）
)

var (
	mu         sync.RWMutex
	logLevel   = LevelInfo
	base       *zap.Logger
	sugar      *zap.SugaredLogger
	nodePrefix string
	root       = &Logger{}
)

// Logger 带组件名的日志器，供各模块注入使用；输出目标在写日志时才取，SetOutput 对已有日志器同样生效
type Logger struct {
	name string
}

func init() {
	base = newZap(os.Stdout)
	sugar = base.Sugar()
}

func newZap(w zapcore.WriteSyncer) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	// 级别过滤在包内完成，zap 核心全部放行
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), w, zapcore.DebugLevel)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))
}

// SetLevel 设置全局日志级别
func SetLevel(level int) {
	mu.Lock()
	logLevel = level
	mu.Unlock()
}

// GetLevel 返回当前日志级别
func GetLevel() int {
	mu.RLock()
	defer mu.RUnlock()
	return logLevel
}

// ParseLevel 把配置里的字符串转换成级别
func ParseLevel(s string) (int, error) {
	switch s {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "verbose":
		return LevelVerbose, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// SetOutput 替换底层输出，测试里用来静音或捕获
func SetOutput(w zapcore.WriteSyncer) {
	mu.Lock()
	base = newZap(w)
	sugar = base.Sugar()
	mu.Unlock()
}

// SetNodePrefix 设置全局日志前缀，通常是 guardian 编号
func SetNodePrefix(p string) {
	mu.Lock()
	nodePrefix = p
	mu.Unlock()
}

// Named 返回带组件名的日志器
func Named(name string) *Logger {
	return &Logger{name: name}
}

func (l *Logger) emit(level int, format string, v ...interface{}) {
	mu.RLock()
	lvl, prefix, out := logLevel, nodePrefix, sugar
	mu.RUnlock()
	if lvl > level {
		return
	}
	if l.name != "" {
		prefix += "[" + l.name + "] "
	} else if prefix != "" {
		prefix += " "
	}
	msg := prefix + fmt.Sprintf(format, v...)
	switch level {
	case LevelTrace, LevelDebug, LevelVerbose:
		out.Debug(msg)
	case LevelInfo:
		out.Info(msg)
	case LevelWarning:
		out.Warn(msg)
	default:
		out.Error(msg)
	}
}

func (l *Logger) Trace(format string, v ...interface{})   { l.emit(LevelTrace, format, v...) }
func (l *Logger) Debug(format string, v ...interface{})   { l.emit(LevelDebug, format, v...) }
func (l *Logger) Verbose(format string, v ...interface{}) { l.emit(LevelVerbose, format, v...) }
func (l *Logger) Info(format string, v ...interface{})    { l.emit(LevelInfo, format, v...) }
func (l *Logger) Warn(format string, v ...interface{})    { l.emit(LevelWarning, format, v...) }
func (l *Logger) Error(format string, v ...interface{})   { l.emit(LevelError, format, v...) }

// 包级别的日志方法
func Trace(format string, v ...interface{})   { root.emit(LevelTrace, format, v...) }
func Debug(format string, v ...interface{})   { root.emit(LevelDebug, format, v...) }
func Verbose(format string, v ...interface{}) { root.emit(LevelVerbose, format, v...) }
func Info(format string, v ...interface{})    { root.emit(LevelInfo, format, v...) }
func Warn(format string, v ...interface{})    { root.emit(LevelWarning, format, v...) }
func Error(format string, v ...interface{})   { root.emit(LevelError, format, v...) }

// Sync 刷新缓冲
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}
