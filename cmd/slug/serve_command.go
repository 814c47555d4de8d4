package main

import (
	"github.com/spf13/cobra"

	"slug/internal/config"
	"slug/internal/serverun"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var noBrowser bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the slug service",
		Long: "Start the slug service. In local mode (the default) it listens on the\n" +
			"loopback interface only, opens the session page in a browser, and exits\n" +
			"when the page goes away. Network mode binds server.network_bind and runs\n" +
			"until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig(cmd)
			if err != nil {
				return err
			}
			if noBrowser {
				cfg.Server.OpenBrowser = false
			}
			return serverun.Run(cmd.Context(), cfg, serverun.Options{LogLevel: ctx.flags.logLevel})
		},
	}

	cmd.Flags().String("mode", config.ModeLocal, "Server mode: local or network")
	cmd.Flags().Int("port", 0, "Listen port in local mode (0 picks a free port)")
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Do not open the session page automatically")
	return cmd
}
