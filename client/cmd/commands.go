package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yashness/marp-presentation-creator-sub001/client/api"
	"github.com/yashness/marp-presentation-creator-sub001/client/model"
	"github.com/yashness/marp-presentation-creator-sub001/client/service"
	"github.com/yashness/marp-presentation-creator-sub001/client/storage/bolt"
)

func newAPIClient(opts *options) (*api.Client, error) {
	return api.NewClient(api.Config{
		Logger:     &opts.logger,
		BaseURL:    opts.server,
		HTTPClient: &http.Client{Timeout: opts.timeout},
	})
}

func newStatusCmd(opts *options) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "status <presentation-id>",
		Short: "Show who is collaborating on a presentation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			status, err := client.CollaborationStatus(ctx, args[0])
			if err != nil {
				// the preview is best effort, a dead server is not a CLI failure
				opts.logger.Warn().Err(err).Msg("no session info available")
				fmt.Println("no session info available")
				return nil
			}
			if debug {
				spew.Dump(status)
			}

			if !status.Active {
				fmt.Println("no active collaboration session")
				return nil
			}
			fmt.Printf("active session, %d collaborator(s):\n", status.CollaboratorCount)
			for _, p := range status.Collaborators {
				fmt.Printf("  %s (%s)\n", p.DisplayName, p.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "dump the raw status response")
	return cmd
}

func newJoinCmd(opts *options) *cobra.Command {
	var (
		name             string
		cacheFile        string
		reconnect        bool
		reconnectInitial time.Duration
		reconnectMax     time.Duration
		followCursors    bool
	)

	cmd := &cobra.Command{
		Use:   "join <presentation-id>",
		Short: "Join a collaboration session and follow its activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			presentationID := args[0]
			if name == "" {
				name = "guest-" + uuid.NewString()[:8]
			}

			var store service.DocumentStore
			if cacheFile != "" {
				bs, err := bolt.Open(cacheFile)
				if err != nil {
					return err
				}
				defer func() { _ = bs.Close() }()
				store = bs

				if doc, err := bs.Get(presentationID); err == nil {
					opts.logger.Info().
						Int64("version", doc.Version).
						Time("updatedAt", doc.UpdatedAt).
						Msg("cached copy available")
				}
			}

			svc, err := service.New(service.Config{
				Logger:                   &opts.logger,
				Store:                    store,
				ServerURL:                opts.server,
				PresentationID:           presentationID,
				DisplayName:              name,
				Reconnect:                reconnect,
				ReconnectInitialInterval: reconnectInitial,
				ReconnectMaxInterval:     reconnectMax,
				LogCursorEvents:          followCursors,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			opts.logger.Info().
				Str("presentationID", presentationID).
				Str("name", name).
				Msg("joining session")
			return svc.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name (default guest-<random>)")
	cmd.Flags().StringVar(&cacheFile, "cache-file", "", "mirror confirmed content into this bolt database")
	cmd.Flags().BoolVar(&reconnect, "reconnect", false, "rejoin with backoff after connection loss")
	cmd.Flags().DurationVar(&reconnectInitial, "reconnect-initial-interval", 500*time.Millisecond,
		"delay before the first rejoin attempt")
	cmd.Flags().DurationVar(&reconnectMax, "reconnect-max-interval", 30*time.Second,
		"upper bound for the rejoin backoff")
	cmd.Flags().BoolVar(&followCursors, "follow-cursors", false, "log cursor and selection events")
	return cmd
}

func newExportCmd(opts *options) *cobra.Command {
	var (
		format string
		wait   bool
		output string
		debug  bool
	)

	cmd := &cobra.Command{
		Use:   "export <presentation-id>",
		Short: "Export a presentation through the server-side converter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := model.ParseExportFormat(format)
			if err != nil {
				return err
			}
			client, err := newAPIClient(opts)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			job, err := client.StartExport(ctx, args[0], f)
			if err != nil {
				return err
			}
			if debug {
				spew.Dump(job)
			}
			fmt.Printf("export job %s started\n", job.ID)

			if !wait && output == "" {
				return nil
			}

			done, err := client.WaitForExport(ctx, job.ID)
			if err != nil {
				if done != nil && errors.Is(err, api.ErrExportFailed) {
					return fmt.Errorf("export job %s failed: %s", done.ID, done.Error)
				}
				return err
			}
			if debug {
				spew.Dump(done)
			}
			fmt.Printf("export finished: %s\n", done.URL)

			if output == "" {
				return nil
			}
			fd, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("cannot create output file: %w", err)
			}
			if err = client.Download(ctx, done.URL, fd); err != nil {
				_ = fd.Close()
				return err
			}
			if err = fd.Close(); err != nil {
				return err
			}
			fmt.Printf("saved to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "pdf", "export format: pdf, html or pptx")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the job to finish")
	cmd.Flags().StringVarP(&output, "output", "o", "", "download the finished export to this file (implies --wait)")
	cmd.Flags().BoolVar(&debug, "debug", false, "dump raw job responses")
	return cmd
}
