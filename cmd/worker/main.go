// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"ops-platform/internal/app"
	"ops-platform/internal/app/worker"
	"ops-platform/pkg/config"
)

func main() {
	// 加载配置（从项目根启动；queue.type=postgres 时与 api 共享队列）
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	bootstrap, err := app.NewBootstrap(cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	logger := bootstrap.Logger

	// trigger 为 nil 时按 ingest.endpoint 决定：调用外部服务或只记日志
	application, err := worker.NewApp(bootstrap, nil)
	if err != nil {
		bootstrap.Close()
		log.Fatalf("初始化应用失败: %v", err)
	}
	if err := application.Start(); err != nil {
		log.Fatalf("启动应用失败: %v", err)
	}
	logger.Info("worker 已启动", "queue", cfg.Queue.Type,
		"process_queue", cfg.Queue.Process.Name, "sync_queue", cfg.Queue.Sync.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	// Shutdown 会把合并器中未满一批的条目触发掉
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭应用失败", "error", err)
	}
	logger.Info("worker 已关闭")
}
