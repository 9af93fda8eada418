package main

import (
	"fmt"
	"os"

	migrate "github.com/orbit-so/go-orbit/db"
	"github.com/orbit-so/go-orbit/service/persist/postgres"
	"github.com/spf13/viper"
)

func init() {
	viper.SetDefault("POSTGRES_USER", "postgres")
	viper.SetDefault("POSTGRES_PASSWORD", "")
	viper.SetDefault("POSTGRES_DB", "postgres")
	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.AutomaticEnv()
}

func main() {
	client := postgres.MustCreateClient(postgres.WithNoRetries())
	defer client.Close()

	if err := migrate.RunCoreDBMigration(client); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Println("core migrations applied")
}
