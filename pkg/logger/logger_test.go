package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestInitializeWritesDailyFile(t *testing.T) {
	dir := t.TempDir()
	l := Initialize("chat_service", dir)
	l.Info("hello", zap.String("k", "v"))
	l.Sync()

	name := filepath.Join(dir, "log_"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	assert.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"service":"chat_service"`)
}

func TestSetDebugMode(t *testing.T) {
	l := Initialize("chat_service", t.TempDir())
	assert.False(t, l.DebugMode())
	l.SetDebugMode(true)
	assert.True(t, l.DebugMode())
}

func TestSetNewNop(t *testing.T) {
	SetNewNop()
	assert.NotNil(t, Log)
	// nop logger must not panic
	Log.Error("ignored", zap.Error(assert.AnError))
}
