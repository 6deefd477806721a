package testtool

import (
	"fmt"
	"net/http"
	_ "net/http/pprof" // 匯入後會自動註冊 pprof endpoint

	"community_chat/pkg/config"
	"community_chat/pkg/logger"

	"go.uber.org/zap"
)

// StartPprof 非 production 且設定開啟時, 在 127.0.0.1:<port> 啟動 pprof
func StartPprof(port int) bool {
	if config.IsProduction() {
		logger.Log.Info("Production environment detected, pprof is disabled.")
		return false
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	go func() {
		logger.Log.Info("Starting pprof server", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Log.Errorf("pprof server failed: ", err)
		}
	}()
	return true
}
