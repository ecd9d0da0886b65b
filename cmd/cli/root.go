// Package cli flowstream 命令行：服务启动、令牌签发与运维命令
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"flowstream/internal/app"
	"flowstream/internal/config"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "flowstream",
	Short: "Incident automation dashboard",
	Long: `flowstream tracks email-to-ticket automation runs and the ServiceNow / Jira
tickets they create, per company.`,
	SilenceUsage: true,
}

// Execute 入口
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("FLOWSTREAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintln(os.Stderr, "Error reading config file:", err)
		}
	}
}

// loadApp 加载配置与日志并组装应用，调用方负责 Close
func loadApp(ctx context.Context) (*app.App, error) {
	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return app.New(ctx, cfg, logrus.StandardLogger())
}
