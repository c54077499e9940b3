package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/puoxiu/sanxiao-battle/internal/logger"
	"github.com/puoxiu/sanxiao-battle/internal/server"
)

// go run cmd/main.go -config=config/config.yaml
// 配置也可全部走环境变量：PORT、IDLE_ROOM_TTL_SECONDS、MATCHMAKE_INTERVAL_MS、ROOM_SWEEP_INTERVAL_MS

// 退出码：0正常 1绑定失败 2配置错误
const (
	exitOK          = 0
	exitBindFailure = 1
	exitConfigError = 2
)

func main() {
	var configFile = flag.String("config", "", "配置文件路径（可为空，仅用环境变量）")
	flag.Parse()

	srv, err := server.NewHubServer(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(exitConfigError)
	}

	if err := srv.Start(); err != nil {
		if strings.Contains(err.Error(), "bind port") {
			logger.Errorf("Failed to bind: %v", err)
			logger.Close()
			os.Exit(exitBindFailure)
		}
		logger.Errorf("Failed to start server: %v", err)
		logger.Close()
		os.Exit(exitBindFailure)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Infof("Received signal %v, shutting down...", sig)

	srv.Stop()
	logger.Close()
	os.Exit(exitOK)
}
