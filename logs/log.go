package logs

import (
	"log"
	"os"
)

// 日志级别常量（数值越大，级别越高）
const (
	LevelTrace = iota
	LevelDebug
	LevelVerbose
	LevelInfo
	LevelWarning
	LevelError
)

var logLevel = LevelInfo // 全局日志级别

// 节点标识前缀，启动时由 main 设置
var MyAddress = "node0000000"
var IsCurrentLeader = ""

// Logger 按级别输出的日志器，可为每个节点单独创建
type Logger struct {
	prefix        string
	traceLogger   *log.Logger
	debugLogger   *log.Logger
	verboseLogger *log.Logger
	infoLogger    *log.Logger
	warnLogger    *log.Logger
	errorLogger   *log.Logger
}

var defaultLogger *Logger

func init() {
	defaultLogger = NewLogger("")
}

// NewLogger 创建带节点前缀的 Logger 实例
func NewLogger(prefix string) *Logger {
	flags := log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile
	return &Logger{
		prefix:        prefix,
		traceLogger:   log.New(os.Stdout, "[TRACE]   ", flags),
		debugLogger:   log.New(os.Stdout, "[DEBUG]   ", flags),
		verboseLogger: log.New(os.Stdout, "[VERBOSE] ", flags),
		infoLogger:    log.New(os.Stdout, "[INFO]    ", flags),
		warnLogger:    log.New(os.Stdout, "[WARN]    ", flags),
		errorLogger:   log.New(os.Stderr, "[ERROR]   ", flags),
	}
}

// SetLevel 设置全局日志级别
func SetLevel(level int) {
	logLevel = level
}

// SetThreadLogger 把当前组件的日志切换到指定实例
func SetThreadLogger(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

func (l *Logger) tag() string {
	if l.prefix != "" {
		return l.prefix + " "
	}
	addr := MyAddress
	if len(addr) > 7 {
		addr = addr[:7]
	}
	return IsCurrentLeader + " " + addr + " "
}

func (l *Logger) Trace(format string, v ...interface{}) {
	if logLevel <= LevelTrace {
		l.traceLogger.Printf(l.tag()+format, v...)
	}
}

func (l *Logger) Debug(format string, v ...interface{}) {
	if logLevel <= LevelDebug {
		l.debugLogger.Printf(l.tag()+format, v...)
	}
}

func (l *Logger) Verbose(format string, v ...interface{}) {
	if logLevel <= LevelVerbose {
		l.verboseLogger.Printf(l.tag()+format, v...)
	}
}

func (l *Logger) Info(format string, v ...interface{}) {
	if logLevel <= LevelInfo {
		l.infoLogger.Printf(l.tag()+format, v...)
	}
}

func (l *Logger) Warn(format string, v ...interface{}) {
	if logLevel <= LevelWarning {
		l.warnLogger.Printf(l.tag()+format, v...)
	}
}

func (l *Logger) Error(format string, v ...interface{}) {
	if logLevel <= LevelError {
		l.errorLogger.Printf(l.tag()+format, v...)
	}
}

// 包级别的日志方法，走默认实例

func Trace(format string, v ...interface{}) { defaultLogger.Trace(format, v...) }

func Debug(format string, v ...interface{}) { defaultLogger.Debug(format, v...) }

func Verbose(format string, v ...interface{}) { defaultLogger.Verbose(format, v...) }

func Info(format string, v ...interface{}) { defaultLogger.Info(format, v...) }

func Warn(format string, v ...interface{}) { defaultLogger.Warn(format, v...) }

func Error(format string, v ...interface{}) { defaultLogger.Error(format, v...) }
