package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestFormatter(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&Formatter{})

	Component(l, "TCPRelay").WithField("server", "a:1").Warn("连接失败")

	line := buf.String()
	if !strings.HasPrefix(line, "[WARN] ") {
		t.Errorf("缺少级别前缀: %q", line)
	}
	if !strings.Contains(line, "[TCPRelay] 连接失败 server=a:1\n") {
		t.Errorf("格式错误: %q", line)
	}
}

func TestFormatterTimestamp(t *testing.T) {
	e := logrus.NewEntry(logrus.New())
	e.Time = time.Date(2024, 1, 1, 8, 9, 10, 0, time.Local)
	e.Level = logrus.InfoLevel
	e.Message = "hi"

	out, err := (&Formatter{}).Format(e)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "[INFO] 08:09:10 hi\n" {
		t.Errorf("Format = %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]logrus.Level{
		"":      logrus.InfoLevel,
		"debug": logrus.DebugLevel,
		"WARN":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
	} {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("非法级别应报错")
	}
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	l, err := New(Options{Level: "debug", Filename: path, MaxSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	Component(l, "Test").Debug("写入文件")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("读取日志文件失败: %v", err)
	}
	if !strings.Contains(string(data), "[Test] 写入文件") {
		t.Errorf("日志内容 = %q", data)
	}
}
