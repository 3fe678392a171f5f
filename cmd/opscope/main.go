package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opscope/opscope"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "opscope",
		Short: "Terminal observation core for delegated pentest hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "opscope.yaml", "path to config file")
	return cmd
}

func runServer(configPath string) error {
	logger := log.Default()

	config, err := opscope.LoadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := opscope.NewSQLiteStore(config.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	core := opscope.NewCore(store, logger)
	defer core.Shutdown()

	server := opscope.NewControlServer(core, config.PresharedKey, logger)

	tcpSocket := &opscope.ControlSocketTCP{
		TLSCert:   config.TLSCert,
		TLSKey:    config.TLSKey,
		Plaintext: config.Plaintext,
	}
	webSocket := &opscope.ControlSocketWeb{
		TLSCert:   config.TLSCert,
		TLSKey:    config.TLSKey,
		Plaintext: config.Plaintext,
	}

	errs := make(chan error, 2)
	go func() { errs <- server.Serve(tcpSocket, config.ListenAddr) }()
	go func() { errs <- server.Serve(webSocket, config.WebListenAddr) }()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errs:
		tcpSocket.Stop()
		webSocket.Stop()
		return err
	case sig := <-signals:
		logger.Printf("shutting down on signal %v\n", sig)
		tcpSocket.Stop()
		webSocket.Stop()
		return nil
	}
}
