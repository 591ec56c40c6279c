package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"exchange-connect-go/infrastructure/logger"
	"exchange-connect-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/fixsession.yaml", "配置文件路径")
	sandbox := flag.Bool("sandbox", false, "连接沙盒环境")
	connectTimeout := flag.Duration("connectTimeout", 30*time.Second, "连接并登录的超时时间")
	flag.Parse()

	c, err := container.New(*cfgPath, *sandbox)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	lg := c.Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, *connectTimeout)
	err = c.Start(startCtx)
	startCancel()
	if err != nil {
		lg.LogError(err, map[string]interface{}{"action": "start"})
		_ = lg.Sync()
		os.Exit(1)
	}
	lg.Info("fix session ready", zap.String("ops", c.OpsAddr()), zap.Bool("sandbox", *sandbox))
	notify(lg, daemon.SdNotifyReady)

	lost := c.SessionLost(ctx)
	stopWatchdog := startWatchdog(ctx, c, lg)

	exitCode := 0
	select {
	case <-ctx.Done():
		lg.Info("shutdown signal received")
	case err, ok := <-lost:
		if ok && err != nil {
			lg.LogError(err, map[string]interface{}{"action": "session_lost"})
			exitCode = 2
		}
	}

	notify(lg, daemon.SdNotifyStopping)
	stopWatchdog()
	if err := c.Stop(); err != nil {
		exitCode = 1
	}
	cancel()
	os.Exit(exitCode)
}

func notify(lg *logger.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		lg.Warn("sd_notify failed", zap.String("state", state), zap.Error(err))
	}
}

// startWatchdog 在 systemd 启用看门狗时按半个周期喂狗；会话不健康时停止喂狗，
// 由 systemd 重启进程。
func startWatchdog(ctx context.Context, c *container.Container, lg *logger.Logger) func() {
	if !c.Config().Ops.Watchdog {
		return func() {}
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return func() {}
	}
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-ticker.C:
			}
			if err := c.HealthCheck(); err != nil {
				lg.Warn("health check failed, skipping watchdog", zap.Error(err))
				continue
			}
			notify(lg, daemon.SdNotifyWatchdog)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
