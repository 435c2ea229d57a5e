package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/agentdeck"
	"pkt.systems/agentdeck/httpapi"
	"pkt.systems/agentdeck/internal/agentproc"
	"pkt.systems/agentdeck/internal/appconfig"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var noNotify bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentdeck server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if noNotify {
				cfg.Notifications.Desktop = false
			}
			if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
				return err
			}

			server, err := agentdeck.New(agentdeck.ServerConfig{
				HTTP: httpapi.Config{
					Addr:     cfg.HTTP.Addr,
					BaseURL:  cfg.HTTP.BaseURL,
					BasePath: cfg.HTTP.BasePath,
				},
				StorePath: cfg.Store.Path,
				Agent: agentproc.Config{
					Binary: cfg.Agent.Binary,
					Args:   cfg.Agent.Args,
					Env:    flattenEnv(cfg.Agent.Env),
				},
				RefreshDebounce:      time.Duration(cfg.Bridge.RefreshDebounceMS) * time.Millisecond,
				RequestTimeout:       time.Duration(cfg.Bridge.RequestTimeoutSeconds) * time.Second,
				DesktopNotifications: cfg.Notifications.Desktop,
			}, agentdeck.ServerDeps{Logger: logger})
			if err != nil {
				return err
			}

			if err := server.Start(cmd.Context()); err != nil {
				return err
			}
			err = server.Wait()
			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = server.Stop(stopCtx)
			return err
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config.yaml")
	cmd.Flags().BoolVar(&noNotify, "no-notify", false, "disable desktop notifications")
	return cmd
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, key+"="+value)
	}
	return out
}

func newConfigCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "config [path]",
		Short: "Write the default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			written, err := appconfig.WriteDefault(path, overwrite)
			if err != nil {
				return err
			}
			cmd.Printf("wrote %s\n", written)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite an existing config")
	return cmd
}
