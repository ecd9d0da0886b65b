package main

import (
	"context"
	"flag"
	"strings"

	"flowstream/internal/app"
	"flowstream/internal/config"
	"flowstream/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func main() {
	cfgFile := flag.String("config", "", "config file (default ./config.yml)")
	seed := flag.Bool("seed", false, "create a demo company with sample workflows")
	flag.Parse()

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("FLOWSTREAM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}

	db, err := app.OpenDatabase(cfg)
	if err != nil {
		logrus.Fatalf("%v", err)
	}

	logrus.Info("Starting database migration...")
	if err := app.Migrate(db); err != nil {
		logrus.Fatalf("%v", err)
	}
	logrus.Info("Database migration completed")

	if *seed {
		auth := services.NewAuthService(db, cfg.JWT.Secret, cfg.JWT.ExpiresIn, nil, logrus.StandardLogger())
		if _, err := app.SeedDemo(context.Background(), db, auth, logrus.StandardLogger()); err != nil {
			logrus.Fatalf("Failed to seed demo data: %v", err)
		}
	}
}
