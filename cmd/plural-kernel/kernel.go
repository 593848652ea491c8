package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zhubert/plural-kernel/kernel"
	"github.com/zhubert/plural-kernel/logger"
	"github.com/zhubert/plural-kernel/message"
	"github.com/zhubert/plural-kernel/shell"
)

var kernelIP string
var commandPort int
var broadcastPort int
var inputPort int
var parentPID int

var kernelCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Run a kernel process",
	Long: `Run a kernel with the built-in shell. The kernel binds its three ports,
prints them as one JSON line on stdout and serves until it receives SIGTERM
or its parent process exits. SIGINT interrupts the request being handled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("ip") {
			cfg.IP = kernelIP
		}
		if flags.Changed("command-port") {
			cfg.Ports.Command = commandPort
		}
		if flags.Changed("broadcast-port") {
			cfg.Ports.Broadcast = broadcastPort
		}
		if flags.Changed("input-port") {
			cfg.Ports.Input = inputPort
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		opts := cfg.KernelOptions()
		opts.Session = message.NewSession(opts.Username)
		if err := initLogging(cfg, func() (string, error) {
			return logger.KernelLogPath(opts.Session.Token())
		}); err != nil {
			return err
		}
		log := logger.WithSession(opts.Session.Token()).With("component", "main")

		k, err := kernel.New(shell.New(), opts)
		if err != nil {
			return err
		}
		if err := kernel.WritePorts(cmd.OutOrStdout(), k.Ports()); err != nil {
			k.Close()
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
		defer stop()

		interrupts := make(chan os.Signal, 1)
		signal.Notify(interrupts, os.Interrupt)
		defer signal.Stop(interrupts)
		go func() {
			for {
				select {
				case <-interrupts:
					k.Interrupt()
				case <-ctx.Done():
					return
				}
			}
		}()

		if parentPID > 0 {
			gone := kernel.WatchParent(ctx, parentPID, kernel.DefaultParentPollInterval)
			go func() {
				select {
				case <-gone:
					log.Info("parent process exited, shutting down", "parent", parentPID)
					stop()
				case <-ctx.Done():
				}
			}()
		}

		log.Info("kernel process started", "pid", os.Getpid(), "ports", k.Ports(), "parent", parentPID)
		return k.Serve(ctx)
	},
}

func init() {
	kernelCmd.Flags().StringVar(&kernelIP, "ip", kernel.DefaultHost, "Loop-back address to bind")
	kernelCmd.Flags().IntVar(&commandPort, "command-port", 0, "Command port (0 picks a free port)")
	kernelCmd.Flags().IntVar(&broadcastPort, "broadcast-port", 0, "Broadcast port (0 picks a free port)")
	kernelCmd.Flags().IntVar(&inputPort, "input-port", 0, "Input port (0 picks a free port)")
	kernelCmd.Flags().IntVar(&parentPID, "parent", 0, "Exit when this process is no longer the parent")
	rootCmd.AddCommand(kernelCmd)
}
