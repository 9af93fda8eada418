package main

import (
	"context"

	"github.com/orbit-so/go-orbit/server"
	"github.com/orbit-so/go-orbit/service/logger"
)

func main() {
	srv := server.Init()
	if err := srv.ListenAndServe(); err != nil {
		logger.For(context.Background()).WithError(err).Fatal("server exited")
	}
}
