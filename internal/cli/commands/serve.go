package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tidemark-labs/tidesql/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	var (
		port  int
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve project status over a JSON API",
		Long: `Start the status HTTP server: health, models, plan, runs, and
lineage endpoints. With --watch, model and schema files are re-parsed
on change.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, err := loadProject(cmd)
			if err != nil {
				return err
			}
			eng, cleanup, err := buildEngine(cmd, false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := server.New(server.Config{
				Engine:    eng,
				Port:      port,
				Watch:     watch,
				ModelsDir: project.ModelsDir,
				Logger:    newLogger(cmd),
			})
			return srv.Serve(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", server.DefaultPort, "Listen port")
	cmd.Flags().BoolVar(&watch, "watch", false, "Re-parse models when files change")

	return cmd
}
