package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/arduino/go-paths-helper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bigbag/wota/internal/bootflag"
	"github.com/bigbag/wota/internal/bootloader"
	"github.com/bigbag/wota/internal/config"
	"github.com/bigbag/wota/internal/flash"
	"github.com/bigbag/wota/internal/logging"
	"github.com/bigbag/wota/internal/platform"
	"github.com/bigbag/wota/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configFlag   string
	listenFlag   string
	serialFlag   string
	stayFlag     bool
	logLevelFlag string
	logFileFlag  string
	verboseFlag  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wotad",
		Short: "Run a simulated device with the wota bootloader",
		Long: `wotad runs the wota bootloader against a simulated flash device, stored
in a backing file so a programmed image survives restarts.

At start the boot decision is made once: a sealed, valid image is jumped to
unless a bootloader entry was requested. Otherwise the bootloader serves the
flashing protocol over TCP and/or a serial port until it is told to jump or
reboot.`,
		Args:         cobra.NoArgs,
		RunE:         runDaemon,
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&configFlag, "config", "c", "", "Path to the configuration file")
	rootCmd.Flags().StringVarP(&listenFlag, "listen", "l", "", "TCP address to listen on (overrides server.listen)")
	rootCmd.Flags().StringVarP(&serialFlag, "serial", "s", "", "Serial port to serve on (overrides server.serial_port)")
	rootCmd.Flags().BoolVar(&stayFlag, "stay", false, "Hold the bootloader entry signal")
	rootCmd.Flags().StringVar(&logLevelFlag, "log-level", "", "Messages with this level and above will be logged: trace, debug, info, warn, error")
	rootCmd.Flags().StringVar(&logFileFlag, "log-file", "", "Path to the file where logs will be written")
	rootCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "Print the logs on the standard output")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wotad %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(paths.New(configFlag))
	if err != nil {
		return nil, err
	}
	if listenFlag != "" {
		cfg.Server.Listen = listenFlag
	}
	if serialFlag != "" {
		cfg.Server.SerialPort = serialFlag
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	if logFileFlag != "" {
		cfg.Log.File = logFileFlag
	}
	if stayFlag {
		cfg.Boot.EntryPin = true
	}
	return cfg, cfg.Validate()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	closer, err := logging.Setup(logrus.StandardLogger(), logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.LogFile(),
		Verbose: verboseFlag,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	log := logrus.WithField("device", "wotad")

	layout := cfg.Layout()
	var storage flash.Storage
	if p := cfg.BackingFile(); p != nil {
		f, err := flash.OpenFile(p, layout.Flash)
		if err != nil {
			return err
		}
		defer f.Close()
		log.Infof("Flash backed by %s", f.Path())
		storage = f
	} else {
		m, err := flash.NewMemory(layout.Flash)
		if err != nil {
			return err
		}
		storage = m
	}

	var flag bootflag.Store = &bootflag.Memory{}
	if p := cfg.FlagFile(); p != nil {
		flag = bootflag.NewFile(p)
	}

	policy, err := cfg.Policy()
	if err != nil {
		return err
	}
	autoReboot, err := cfg.AutoReboot()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	plat := platform.NewSim(flag, log)

	// Each iteration is one power cycle of the device.
	for {
		stay, err := bootloader.ShouldStay(flag, cfg.Boot.EntryPin)
		if err != nil {
			log.WithError(err).Warn("Could not read the boot flag, staying in the bootloader")
		}
		decision := bootloader.Decide(stay, layout, storage)
		log.WithField("reason", decision.Reason).Infof("Booting %s", decision.Mode)

		if decision.Mode == bootloader.ModeApplication {
			if err := plat.Jump(decision.Header.Vector); err != nil {
				return err
			}
			fmt.Printf("Application started at 0x%08X\n", decision.Header.Vector)
			return nil
		}

		dev, err := bootloader.New(bootloader.Config{
			Storage:        storage,
			Layout:         layout,
			Platform:       plat,
			Policy:         policy,
			AutoReboot:     autoReboot,
			ResetOnTraffic: cfg.Boot.ResetOnTraffic,
			Log:            log,
		})
		if err != nil {
			return err
		}

		endpoints, cleanup, err := openEndpoints(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("Bootloader ready on %v\n", endpoints)

		ev, err := dev.Run(ctx, endpoints...)
		cleanup()
		if errors.Is(err, context.Canceled) {
			fmt.Println("Stopped")
			return nil
		}
		if err != nil {
			return err
		}

		switch ev := ev.(type) {
		case bootloader.Jump:
			fmt.Printf("Application started at 0x%08X\n", ev.Vector)
			return nil
		case bootloader.Reboot:
			fmt.Printf("Rebooting (to bootloader: %t)\n", ev.ToBootloader)
		}
	}
}

// openEndpoints opens the configured transports. The cleanup closes
// whatever is left open after Run returns.
func openEndpoints(cfg *config.Config) ([]bootloader.Endpoint, func(), error) {
	var endpoints []bootloader.Endpoint
	var closers []func() error
	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Server.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Server.Listen)
		if err != nil {
			return nil, nil, fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
		}
		closers = append(closers, ln.Close)
		endpoints = append(endpoints, bootloader.Listener{Listener: ln})
	}

	if cfg.Server.SerialPort != "" {
		port, err := serial.Open(cfg.Server.SerialPort, cfg.Server.Baud)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		// Poll so the session loop notices cancellation.
		port.SetTimeout(0)
		closers = append(closers, port.Close)
		endpoints = append(endpoints, bootloader.Stream{Name: port.String(), Conn: port})
	}

	return endpoints, cleanup, nil
}
