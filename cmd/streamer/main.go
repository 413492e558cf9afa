// Package main 是交易所 WebSocket 会话的命令行入口。
// 按配置建立持久会话，可选登录并设置断线撤单，订阅配置中的频道，
// 将推送与会话指标写入 JSONL 文件，并可暴露 Prometheus 端点。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"trading-ws-session/internal/auth"
	"trading-ws-session/internal/config"
	"trading-ws-session/internal/output/jsonl"
	"trading-ws-session/internal/session"
	"trading-ws-session/internal/util/timeutil"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.App.LogLevel).Named(cfg.App.Name)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("运行失败", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 捕获 SIGINT/SIGTERM，触发优雅退出
	sigCh := make(chan os.Signal, 2)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("收到退出信号，开始优雅关闭")
		cancel()
	}()

	sessCfg, err := cfg.ToSessionConfig()
	if err != nil {
		return err
	}

	var opts []session.Option
	if cfg.Auth.Enabled() {
		creds, err := auth.LoadCredentials(cfg.Auth.KeyID, cfg.Auth.AccountID, cfg.Auth.PrivateKeyPath)
		if err != nil {
			return err
		}
		opts = append(opts, session.WithTokenProvider(creds))
	}

	var metricsSrv *http.Server
	if cfg.Metrics.ListenAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, session.WithRegisterer(reg))
		metricsSrv = serveMetrics(cfg.Metrics, reg, logger)
	}

	client, err := session.New(sessCfg, logger, opts...)
	if err != nil {
		return err
	}

	var notifyWriter, metricsWriter *jsonl.Writer
	if cfg.Output.NotificationsEnabled {
		notifyWriter, err = jsonl.NewWriter(filepath.Join(cfg.Output.Dir, "notifications.jsonl"), cfg.Output.BufferSize)
		if err != nil {
			_ = client.Shutdown("创建输出文件失败")
			return fmt.Errorf("创建 notifications writer 失败: %w", err)
		}
	}
	if cfg.Output.MetricsEnabled {
		metricsWriter, err = jsonl.NewWriter(filepath.Join(cfg.Output.Dir, "metrics.jsonl"), cfg.Output.BufferSize)
		if err != nil {
			_ = client.Shutdown("创建输出文件失败")
			return fmt.Errorf("创建 metrics writer 失败: %w", err)
		}
	}

	go watchState(ctx, client, logger)

	if err := start(ctx, cfg, client, notifyWriter, logger); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("启动会话失败", zap.Error(err))
		}
	} else {
		runMetricsLoop(ctx, client, metricsWriter, notifyWriter, cfg.Output.MetricsIntervalMs)
	}

	// 最后一条 metrics 快照（便于离线复盘）
	if metricsWriter != nil {
		_ = metricsWriter.Write(metricsRecord(client, notifyWriter))
	}

	// 优雅关闭（10s 超时）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := client.Shutdown("进程退出"); err != nil {
			logger.Warn("会话关闭出错", zap.Error(err))
		}
		if notifyWriter != nil {
			_ = notifyWriter.Close()
		}
		if metricsWriter != nil {
			_ = metricsWriter.Close()
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Warn("关闭超时，强制退出")
	case <-done:
		logger.Info("关闭完成")
	}
	return nil
}

// start 等待首次连接，按需登录并订阅配置的频道
func start(ctx context.Context, cfg *config.Config, client *session.Client, w *jsonl.Writer, logger *zap.Logger) error {
	if err := client.WaitForConnection(ctx); err != nil {
		return err
	}

	if cfg.Auth.Enabled() {
		if err := client.Login(ctx); err != nil {
			return err
		}
		if secs := cfg.Auth.CancelOnDisconnectSecs; secs > 0 {
			if err := client.SetCancelOnDisconnect(ctx, secs); err != nil {
				return err
			}
		}
	}

	for _, sc := range cfg.Subscriptions {
		scope, err := session.ParseScope(sc.Scope)
		if err != nil {
			return err
		}
		if _, err := session.Subscribe(ctx, client, scope, sc.Channel, recordNotification(client.ID(), scope, sc.Channel, w)); err != nil {
			return err
		}
	}

	logger.Info("会话就绪",
		zap.String("session_id", client.ID()),
		zap.Strings("public", client.Channels(session.Public)),
		zap.Strings("private", client.Channels(session.Private)))
	return nil
}

// recordNotification 构造写入 notifications.jsonl 的推送回调；w 为空时只丢弃
func recordNotification(sessionID string, scope session.Scope, channel string, w *jsonl.Writer) func(json.RawMessage) {
	return func(payload json.RawMessage) {
		if w == nil {
			return
		}
		_ = w.Write(jsonl.NotificationRecord{
			TsNs:      timeutil.NowNano(),
			SessionID: sessionID,
			Scope:     scope.String(),
			Channel:   channel,
			Payload:   payload,
		})
	}
}

func runMetricsLoop(ctx context.Context, client *session.Client, w, notifyWriter *jsonl.Writer, intervalMs int) {
	if w == nil {
		<-ctx.Done()
		return
	}
	if intervalMs <= 0 {
		intervalMs = 10000
	}
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = w.Write(metricsRecord(client, notifyWriter))
			_ = w.Flush()
		}
	}
}

func metricsRecord(client *session.Client, notifyWriter *jsonl.Writer) jsonl.MetricsRecord {
	rec := jsonl.MetricsRecord{
		TsNs:    timeutil.NowNano(),
		Session: client.Metrics(),
	}
	if notifyWriter != nil {
		stats := notifyWriter.Stats()
		rec.Notifications = &stats
	}
	return rec
}

// watchState 记录连接状态变化，直到会话退出
func watchState(ctx context.Context, client *session.Client, logger *zap.Logger) {
	last := client.State()
	for {
		next, err := client.WaitForStateChange(ctx, last)
		if err != nil {
			return
		}
		logger.Info("连接状态变化", zap.Stringer("from", last), zap.Stringer("to", next))
		if next == session.Exited {
			return
		}
		last = next
	}
}

func serveMetrics(cfg config.MetricsConfig, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics 端点退出", zap.Error(err))
		}
	}()
	logger.Info("metrics 端点已启动", zap.String("addr", cfg.ListenAddr), zap.String("path", cfg.Path))
	return srv
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
