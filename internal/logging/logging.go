// =============================================================================
// 文件: internal/logging/logging.go
// 描述: 日志 - logrus 输出 "[LEVEL] 15:04:05 [Component] msg" 格式, 支持文件轮转
// =============================================================================
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ComponentKey 组件字段名
const ComponentKey = "component"

// Options 日志配置
type Options struct {
	Level      string
	Filename   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// New 创建日志器, Filename 为空时输出到标准输出
func New(opts Options) (*logrus.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&Formatter{})

	if opts.Filename != "" {
		l.SetOutput(&lumberjack.Logger{
			Filename:   opts.Filename,
			MaxSize:    opts.MaxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAge,
			Compress:   opts.Compress,
		})
	} else {
		l.SetOutput(os.Stdout)
	}
	return l, nil
}

// Discard 返回丢弃所有输出的日志器 (测试用)
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// Component 返回带组件标签的日志条目
func Component(l *logrus.Logger, name string) *logrus.Entry {
	return l.WithField(ComponentKey, name)
}

// ParseLevel 解析日志级别, 空字符串视为 info
func ParseLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(strings.ToLower(s))
	if err != nil {
		return 0, fmt.Errorf("logging: %w", err)
	}
	return level, nil
}

// Formatter 文本格式
type Formatter struct{}

// Format 实现 logrus.Formatter
func (f *Formatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer

	level := strings.ToUpper(e.Level.String())
	if level == "WARNING" {
		level = "WARN"
	}
	fmt.Fprintf(&b, "[%s] %s ", level, e.Time.Format("15:04:05"))

	if c, ok := e.Data[ComponentKey]; ok {
		fmt.Fprintf(&b, "[%v] ", c)
	}
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k != ComponentKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}
