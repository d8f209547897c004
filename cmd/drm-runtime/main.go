// Package main is the entrypoint for the DRM runtime CLI: a thin wrapper
// around internal/engine for manual activation, parameter get/set, and
// status inspection against the built-in simulated controller. Real
// hardware register access is not wired in: running with --simulate=false
// returns an error.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Accelize/drm-sub000/internal/controller"
	"github.com/Accelize/drm-sub000/internal/drmconfig"
	"github.com/Accelize/drm-sub000/internal/drmlog"
	"github.com/Accelize/drm-sub000/internal/engine"
	"github.com/Accelize/drm-sub000/internal/httpclient"
	"github.com/Accelize/drm-sub000/internal/params"
	"github.com/Accelize/drm-sub000/internal/regaccess"
	"github.com/Accelize/drm-sub000/internal/wsadapter"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath, credentialsPath string
	var simulate bool

	root := &cobra.Command{
		Use:           "drm-runtime",
		Short:         "Host-side runtime for a metered/node-locked accelerator license",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "drm.conf", "path to the JSON configuration file")
	root.PersistentFlags().StringVar(&credentialsPath, "credentials", "cred.json", "path to the JSON credentials file")
	root.PersistentFlags().BoolVar(&simulate, "simulate", true, "use the built-in simulated controller instead of real hardware")

	root.AddCommand(
		newVersionCmd(),
		newRunCmd(&configPath, &credentialsPath, &simulate),
		newGetCmd(&configPath, &credentialsPath, &simulate),
		newSetCmd(&configPath, &credentialsPath, &simulate),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("drm-runtime %s\n", Version)
		},
	}
}

func newRunCmd(configPath, credentialsPath *string, simulate *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Activate a session and keep it licensed until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, log, err := buildEngine(*configPath, *credentialsPath, *simulate)
			if err != nil {
				return err
			}
			defer log.Close()
			defer e.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := e.Activate(ctx); err != nil {
				return fmt.Errorf("activate: %w", err)
			}
			fmt.Println("Activated. Press Ctrl+C to deactivate and exit.")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh

			fmt.Println("\nDeactivating...")
			deactivateCtx, deactivateCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer deactivateCancel()
			if err := e.Deactivate(deactivateCtx); err != nil {
				return fmt.Errorf("deactivate: %w", err)
			}
			fmt.Println("Deactivated.")
			return nil
		},
	}
}

func newGetCmd(configPath, credentialsPath *string, simulate *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key> [key...]",
		Short: "Read one or more parameter-surface keys as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, log, err := buildEngine(*configPath, *credentialsPath, *simulate)
			if err != nil {
				return err
			}
			defer log.Close()
			defer e.Close()

			keys := make([]params.Key, len(args))
			for i, a := range args {
				keys[i] = params.Key(a)
			}
			values, err := e.Get(keys)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(values, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newSetCmd(configPath, credentialsPath *string, simulate *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key>=<json-value> [key=value...]",
		Short: "Write one or more parameter-surface keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, log, err := buildEngine(*configPath, *credentialsPath, *simulate)
			if err != nil {
				return err
			}
			defer log.Close()
			defer e.Close()

			values := make(map[params.Key]any, len(args))
			for _, a := range args {
				k, raw, ok := strings.Cut(a, "=")
				if !ok {
					return fmt.Errorf("invalid key=value pair: %q", a)
				}
				var v any
				if err := json.Unmarshal([]byte(raw), &v); err != nil {
					return fmt.Errorf("invalid JSON value for %q: %w", k, err)
				}
				values[params.Key(k)] = v
			}
			return e.Set(values)
		},
	}
}

// buildEngine loads configuration/credentials and wires an Engine against
// the simulated controller (simulate=false is rejected), mirroring the
// Controller Driver/Web Service Adapter/Logger composition spec.md §4
// describes.
func buildEngine(configPath, credentialsPath string, simulate bool) (*engine.Engine, *drmlog.Logger, error) {
	cfg, err := drmconfig.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	creds, err := drmconfig.LoadCredentials(credentialsPath)
	if err != nil {
		return nil, nil, err
	}

	log, err := drmlog.New(zerolog.Level(cfg.Settings.LogCtrlVerbosity), drmlog.FileConfig{Mode: drmlog.FileModeNone}, zerolog.Disabled)
	if err != nil {
		return nil, nil, err
	}
	log.SetHostDataVerbosity(cfg.Settings.HostDataVerbosity)

	var port regaccess.Port
	var driver controller.Driver
	if simulate {
		port = controller.NewSimulatedPort(controller.SimulatedConfig{
			HDK:          controller.HDKVersion{Major: 4, Minor: 2, Patch: 0},
			DNA:          "simulated-dna-0001",
			ProductID:    "simulated-product",
			VLNVs:        []string{"accelize:ip:dedicated_counter:3.0"},
			MailboxWords: 64,
			NumIPs:       1,
			FreqVersion:  0x60DC0DE1,
			FreqCounter:  1000,
			FreqAxiClk:   1000,
		})
		driver, err = controller.NewSoftware(port)
	} else {
		return nil, nil, fmt.Errorf("real hardware register access is not wired into this CLI; run with --simulate")
	}
	if err != nil {
		return nil, nil, err
	}

	httpClient, err := httpclient.New(httpclient.Options{
		Timeout:           time.Duration(cfg.Settings.WSRequestTimeoutSec * float64(time.Second)),
		ConnectionTimeout: time.Duration(cfg.Settings.WSConnectionTimeoutSec * float64(time.Second)),
	})
	if err != nil {
		return nil, nil, err
	}
	wsLog := log.Component("wsadapter")
	ws := wsadapter.New(wsadapter.Config{
		TokenURL:       cfg.Licensing.URL + "/o/token/",
		ClientID:       creds.ClientID,
		ClientSecret:   creds.ClientSecret,
		BaseURL:        cfg.Licensing.URL,
		ProductID:      "simulated-product",
		RequestTimeout: time.Duration(cfg.Settings.WSRequestTimeoutSec * float64(time.Second)),
	}, httpClient, wsLog)

	e, err := engine.New(engine.Config{
		Driver:    driver,
		Port:      port,
		WS:        ws,
		Log:       log,
		Settings:  cfg.Settings,
		DRM:       cfg.DRM,
		Licensing: cfg.Licensing,
	})
	if err != nil {
		return nil, nil, err
	}
	return e, log, nil
}
