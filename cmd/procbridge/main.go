package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/procbridge/procbridge/bridge"
	"github.com/procbridge/procbridge/control"
	"github.com/procbridge/procbridge/supervisor"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "procbridge",
		Usage: "supervise a backend worker process and bridge it over newline-delimited JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "script",
				Usage:    "Path to the backend script to run.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "Working directory for the backend process.",
				Value: ".",
			},
			&cli.StringFlag{
				Name:  "command",
				Usage: "Interpreter used to run the script.",
				Value: "node",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the control API to listen on.",
				Value: "127.0.0.1:8377",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "no-restart",
				Usage: "Disable the crash-restart policy.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	b := bridge.New(bridge.WithLogger(logger))
	defer b.Close()

	// the server is wired into the stdio hook below; the hook only runs
	// once Start is called, after the server exists
	var server *control.Server

	stderrLog := logger.Named("backend").Sugar()
	manager := supervisor.New(ctx.String("script"), ctx.String("workdir"),
		supervisor.WithLogger(logger),
		supervisor.WithCommand(ctx.String("command")),
		supervisor.WithStdioHook(func(stdin io.WriteCloser, stdout, stderr io.ReadCloser) {
			b.SetStdin(stdin)
			b.StartStdoutListener(stdout, server.ForwardMessage)
			go forwardStderr(stderrLog, stderr)
		}),
	)
	defer manager.Close()

	server = control.NewServer(b, manager,
		control.WithLogger(logger),
		control.WithListenAddr(ctx.String("listen-addr")),
	)

	if err := manager.Start(); err != nil {
		return fmt.Errorf("starting backend: %w", err)
	}

	b.StartTimeoutChecker()
	if !ctx.Bool("no-restart") {
		manager.StartCrashMonitor()
	}
	manager.StartHealthChecks()

	group := &errgroup.Group{}
	group.Go(server.Run)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Sugar().Infof("got signal %s, shutting down", sig)

	if _, err := manager.ShutdownGracefully(); err != nil {
		logger.Sugar().Errorf("graceful shutdown failed: %s", err)
	}
	manager.Close()
	if err := server.Stop(); err != nil {
		logger.Sugar().Debugf("stopping control server: %s", err)
	}
	return group.Wait()
}

// forwardStderr logs the child's stderr line by line.
func forwardStderr(log *zap.SugaredLogger, stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Warnf("stderr: %s", scanner.Text())
	}
}
