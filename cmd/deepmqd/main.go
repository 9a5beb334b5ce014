package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	deepmq "github.com/codewithdpk/DeepMQ"
)

func main() {
	addr := flag.String("addr", ":5672", "address to listen on")
	dataDir := flag.String("data-dir", "", "directory for durable storage; disabled if empty")
	flag.Parse()

	var opt deepmq.ServerOption
	if *dataDir != "" {
		opt = deepmq.WithFileStorage(*dataDir)
	} else {
		opt = deepmq.WithNoStorage()
	}

	server := deepmq.NewServer(opt)
	logger := server.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Err("shutdown error: %v", err)
		}
	}()

	logger.Info("starting AMQP server")
	if err := server.Start(*addr); err != nil {
		logger.Err("server stopped: %v", err)
		os.Exit(1)
	}
}
