// Package main 编排引擎入口
//
// 单机单进程：SQLite 存储 + Group Queue + Container Runner +
// Task Scheduler + IPC Watcher + 管理端口（/health、/metrics）。
// 聊天通道是外部协作方，通过 engine.MessageSource / ipc.ChannelSender
// 接口接入；未接入时使用仅记日志的空实现。
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"nanoclaw/internal/config"
	"nanoclaw/internal/engine"
	"nanoclaw/internal/ipc"
	"nanoclaw/internal/mailbox"
	"nanoclaw/internal/metrics"
	"nanoclaw/internal/model"
	"nanoclaw/internal/queue"
	"nanoclaw/internal/runner"
	"nanoclaw/internal/scheduler"
	"nanoclaw/internal/storage"
)

func main() {
	// 加载配置（自动加载 .env，根据 APP_ENV 切换 YAML）
	cfg := config.Load()

	log.Printf("Starting orchestrator... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.StorePath), 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	store, err := storage.Open("file:" + cfg.Paths.StorePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()
	log.Println("Store ready")

	m := metrics.New("nanoclaw")
	channel := &nullChannel{}

	// 队列 → Runner → 引擎之间存在环（队列回调调用引擎，引擎调用
	// Runner，Runner 把活容器登记回队列），用闭包晚绑定打开
	var eng *engine.Engine
	q := queue.New(cfg.Queue, cfg.Paths.IPCRoot,
		func(ctx context.Context, key string) error {
			return eng.HandleMessageCheck(ctx, key)
		},
		func(ctx context.Context, key string) bool {
			return eng.TryRelay(ctx, key)
		},
		func(key string) (string, bool) {
			g, err := store.GetGroup(context.Background(), key)
			if err != nil || g == nil {
				return "", false
			}
			return g.Folder, true
		},
		m)

	r, err := runner.New(cfg.Runner, cfg.Paths, q, m)
	if err != nil {
		log.Fatalf("Failed to create runner: %v", err)
	}
	defer r.Close()
	if err := r.Ping(context.Background()); err != nil {
		// 沙箱运行时不可用属于不可恢复的启动条件
		log.Fatalf("Docker is not reachable: %v", err)
	}

	eng = engine.New(cfg.Scheduler, store, channel, q, r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(cfg.Scheduler, store, q, r, m)
	watcher := ipc.New(cfg.IPC, cfg.Paths, store, channel, sched.Location(), m)

	// 任务表因执行续期变更后刷新沙箱侧快照，避免安静信箱下
	// current_tasks.json 长期停留在旧视图
	sched.OnTaskMutated = func() {
		if err := watcher.WriteSnapshots(ctx); err != nil {
			log.Printf("Failed to refresh snapshots: %v", err)
		}
	}
	sched.Start(ctx)

	// request_restart：优雅收尾后以 0 退出，由进程管理器拉起
	var restartRequested atomic.Bool
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	watcher.OnRestart = func() {
		log.Println("Restart requested via IPC")
		restartRequested.Store(true)
		sigChan <- syscall.SIGTERM
	}
	watcher.OnRebuild = func() {
		// 镜像重建由部署侧工具完成，这里只确认收到
		log.Printf("Container rebuild requested (image=%s), delegated to deployment tooling", cfg.Runner.Image)
	}

	// 已注册会话的信箱目录与初始快照
	if groups, err := store.ListGroups(ctx); err == nil {
		for _, g := range groups {
			if err := mailbox.EnsureLayout(filepath.Join(cfg.Paths.IPCRoot, g.Folder)); err != nil {
				log.Printf("Failed to prepare mailbox for %s: %v", g.Folder, err)
			}
		}
	}
	if err := watcher.WriteSnapshots(ctx); err != nil {
		log.Printf("Failed to write initial snapshots: %v", err)
	}
	watcher.Start(ctx)

	// 管理端口：/health + /metrics（只读）
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":            "ok",
			"env":               cfg.Env,
			"containers_active": q.ActiveCount(),
		})
	})
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.Admin.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("Admin listening on :%s", cfg.Admin.Port)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("Admin server error: %v", err)
		}
	}()

	<-sigChan
	log.Println("Shutting down...")

	watcher.Stop()
	sched.Stop()
	q.Shutdown(cfg.Queue.ShutdownWait)
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Printf("Admin shutdown error: %v", err)
	}

	if restartRequested.Load() {
		log.Println("Exiting for restart")
	} else {
		log.Println("Orchestrator stopped")
	}
}

// nullChannel 未接入真实聊天通道时的空实现
//
// 出站发送只记日志；入站永远没有未读消息。真实通道适配器
// 实现 engine.MessageSource 与 ipc.ChannelSender 后替换之。
type nullChannel struct{}

func (c *nullChannel) SendMessage(ctx context.Context, chatJID, text string) error {
	log.Printf("[channel.send] chat_jid=%s len=%d", chatJID, len(text))
	return nil
}

func (c *nullChannel) SendFile(ctx context.Context, chatJID, hostPath string) error {
	log.Printf("[channel.send_file] chat_jid=%s path=%s", chatJID, hostPath)
	return nil
}

func (c *nullChannel) Pending(ctx context.Context, conversationKey string) ([]model.ChatMessage, error) {
	return nil, nil
}

func (c *nullChannel) Ack(ctx context.Context, conversationKey string, upTo time.Time) error {
	return nil
}
