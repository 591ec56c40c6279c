package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"exchange-connect-go/infrastructure/logger"
)

// Watcher 监听配置文件，变化后重新加载并回调。
// 监听的是所在目录，编辑器的 rename-and-replace 写法同样能触发。
type Watcher struct {
	Path     string
	Cooldown time.Duration // 冷却时间，合并一次保存产生的多个事件
	Log      *logger.Logger

	mu         sync.Mutex
	lastReload time.Time
}

// NewWatcher 创建监听器
func NewWatcher(path string, log *logger.Logger) *Watcher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Watcher{Path: path, Cooldown: 200 * time.Millisecond, Log: log}
}

// Start 阻塞监听直到 ctx 结束；onUpdate 只收到通过校验的配置。
func (w *Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	target := filepath.Clean(w.Path)
	if err := fw.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			// 只处理写入和创建事件
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending == nil {
				pending = time.After(w.cooldown())
			}
		case <-pending:
			pending = nil
			w.reload(onUpdate)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			// 记录错误但继续监听
			w.Log.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) cooldown() time.Duration {
	if w.Cooldown <= 0 {
		return 200 * time.Millisecond
	}
	return w.Cooldown
}

func (w *Watcher) reload(onUpdate func(AppConfig)) {
	cfg, err := LoadWithEnvOverrides(w.Path)
	if err != nil {
		w.Log.LogError(err, map[string]interface{}{"event": "config_reload", "path": w.Path})
		return
	}
	w.mu.Lock()
	w.lastReload = time.Now()
	w.mu.Unlock()
	w.Log.Info("config reloaded", zap.String("path", w.Path), zap.String("log_level", cfg.Log.Level))
	if onUpdate != nil {
		onUpdate(cfg)
	}
}

// LastReload 最近一次成功重载的时间
func (w *Watcher) LastReload() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastReload
}
