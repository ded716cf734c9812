package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"ops-platform/internal/app"
	"ops-platform/internal/app/api"
	"ops-platform/pkg/config"
)

func main() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	bootstrap, err := app.NewBootstrap(cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	logger := bootstrap.Logger

	application, err := api.NewApp(bootstrap)
	if err != nil {
		bootstrap.Close()
		log.Fatalf("创建 API 应用失败: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("API 服务启动", "addr", addr, "rules_file", cfg.Bus.RulesFile)
		if err := application.Run(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("API 服务异常退出", "error", err)
			stop()
		}
	}()
	<-ctx.Done()

	// 先停止接收请求，再等待总线投递与归档落盘
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭失败", "error", err)
	}
	logger.Info("API 服务已关闭")
}
