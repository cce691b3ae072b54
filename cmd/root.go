package cmd

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	logging "zilean/pkg/logger/pkg"
)

func Execute() {
	_ = godotenv.Load()

	viper.SetConfigFile("./config/config.yaml")
	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}

	if err := logging.InitLogger(logging.ReadConfig()); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := logging.Logger(nil)
	defer logger.Sync()

	startHTTP(logger)
}
