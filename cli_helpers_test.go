package main

import (
	"bytes"
	"path/filepath"
	"testing"
)

// useBufferWriters 在测试期间把 stdOut/stdErr 换成内存 buffer。
func useBufferWriters(t *testing.T) {
	t.Helper()

	prevOut, prevErr := stdOut, stdErr
	stdOut = &bytes.Buffer{}
	stdErr = &bytes.Buffer{}

	t.Cleanup(func() {
		stdOut = prevOut
		stdErr = prevErr
	})
}

func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}

// configFixture 指向 internal/config/testdata；go test 在包目录（即仓库根）下执行。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	path, err := filepath.Abs(filepath.Join("internal", "config", "testdata", name))
	if err != nil {
		t.Fatalf("无法解析样例路径: %v", err)
	}
	return path
}
