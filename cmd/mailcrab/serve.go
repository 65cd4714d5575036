package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailcrab/mailcrab"
	"github.com/mailcrab/mailcrab/log"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the SMTP and HTTP listeners",
	Run:   serve,
}

var (
	signalChannel = make(chan os.Signal, 1) // for trapping SIGTERM and friends
	mainlog       log.Logger

	d *mailcrab.Daemon
)

func init() {
	// log to stderr on startup
	var err error
	mainlog, err = log.GetLogger("stderr", "info")
	if err != nil {
		mainlog.WithError(err).Error("Failed creating the startup logger")
	}
	rootCmd.AddCommand(serveCmd)
}

func sigHandler() {
	signal.Notify(signalChannel,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGQUIT,
		syscall.SIGINT,
		syscall.SIGUSR1,
	)
	for sig := range signalChannel {
		if sig == syscall.SIGUSR1 {
			if err := d.ReopenLogs(); err != nil {
				mainlog.WithError(err).Error("Could not reopen logs")
			}
		} else if sig == syscall.SIGTERM || sig == syscall.SIGQUIT || sig == syscall.SIGINT || sig == syscall.SIGHUP {
			mainlog.Infof("Shutdown signal caught")
			go func() {
				// exit if graceful shutdown not finished in 60 sec.
				<-time.After(time.Second * 60)
				mainlog.Error("graceful shutdown timed out")
				os.Exit(1)
			}()
			d.Shutdown()
			mainlog.Infof("Shutdown completed, exiting.")
			return
		} else {
			mainlog.Infof("Shutdown, unknown signal caught")
			return
		}
	}
}

func serve(cmd *cobra.Command, args []string) {
	logVersion()
	cfg, err := mailcrab.ConfigFromEnv()
	if err != nil {
		mainlog.WithError(err).Fatal("Error while reading the environment")
	}
	if verbose {
		cfg.LogLevel = "debug"
	}

	d, err = mailcrab.New(cfg)
	if err != nil {
		mainlog.WithError(err).Error("Error while wiring the daemon")
		os.Exit(1)
	}
	mainlog = d.Logger

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start()
	}()
	go sigHandler()

	if err := <-errCh; err != nil {
		mainlog.WithError(err).Error("Server error")
		os.Exit(1)
	}
}
