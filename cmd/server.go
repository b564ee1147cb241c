package cmd

import (
	"context"
	"errors"
	"hanbok-fusion/app/config"
	"hanbok-fusion/app/database"
	"hanbok-fusion/app/logger"
	"hanbok-fusion/app/server"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动服务器",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		// 创建日志器
		log := logger.New(cfg.Log)
		defer log.Close()

		// 初始化数据库
		if err := database.Init(cfg, log); err != nil {
			log.Fatalf("数据库初始化失败: %v", err)
		}

		srv, err := server.New(cfg, log, database.GetDB())
		if err != nil {
			log.Fatalf("创建服务器失败: %v", err)
		}

		// 配置文件变更时热更新日志级别，其它配置需要重启生效
		if viper.ConfigFileUsed() != "" {
			viper.OnConfigChange(func(e fsnotify.Event) {
				if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
					return
				}
				newCfg, err := config.Decode()
				if err != nil {
					log.Warnf("配置文件变更但解析失败，忽略: %v", err)
					return
				}
				if newCfg.Log.Level != cfg.Log.Level {
					log.SetLevel(newCfg.Log.Level)
					log.Infof("日志级别已更新: %s -> %s", cfg.Log.Level, newCfg.Log.Level)
					cfg.Log.Level = newCfg.Log.Level
				}
			})
			viper.WatchConfig()
		}

		// 在协程中启动服务器
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("启动服务器失败: %v", err)
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("收到关闭信号，正在关闭服务器...")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.InferenceTimeout()+5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("服务器关闭失败: %v", err)
		}
		log.Info("服务器已退出")
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
