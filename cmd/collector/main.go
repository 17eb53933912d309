package main

// ============================================================================
// 職責說明：
// 1. collector 執行檔入口點
// 2. 建立並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/market-collector/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// 編譯與執行
// ============================================================================

/*
# 開發階段
go run ./cmd/collector run -c configs/collector.yaml

# 編譯
go build -o bin/collector ./cmd/collector

# 單次收集 / 狀態
./bin/collector once
./bin/collector status
*/
