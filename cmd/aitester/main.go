package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aitester/internal/app"
	"aitester/internal/config"
)

func main() {
	var (
		cfgPath string
		envPath string
		stopMax time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file with AITESTER_* overrides")
	flag.DurationVar(&stopMax, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	stop := func(reason app.StopReason) {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopMax)
		defer stopCancel()
		_ = a.Stop(stopCtx, reason)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		stop(app.StopFatalError)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	if ctx.Err() != nil {
		stop(app.StopSignal)
		return
	}
	stop(app.StopFatalError)
	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
	}
	os.Exit(1)
}
