// Package cmd holds the relay command line.
package cmd

import (
	"os"
	"strconv"
	"time"

	"filerelay/internal/client"
	"filerelay/internal/core"
	"filerelay/internal/progress"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type options struct {
	apiURL  string
	timeout time.Duration
	user    string
	quiet   bool
}

// RootCmd builds the relay command tree.
func RootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "relay",
		Short:         "Share files through a relay server with short access codes",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			if !cmd.Flags().Changed("api") {
				if v := os.Getenv("RELAY_API_URL"); v != "" {
					opts.apiURL = v
				}
			}
			if !cmd.Flags().Changed("timeout") {
				if v, err := strconv.Atoi(os.Getenv("RELAY_TIMEOUT_SECONDS")); err == nil && v > 0 {
					opts.timeout = time.Duration(v) * time.Second
				}
			}
			user, err := core.ParseUserID(opts.user)
			if err != nil {
				return err
			}
			opts.user = user
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api", client.DefaultBaseURL, "relay server URL (env RELAY_API_URL)")
	flags.DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "timeout for API calls (env RELAY_TIMEOUT_SECONDS)")
	flags.StringVarP(&opts.user, "user", "u", "", "user id to upload, list and delete as")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "do not print transfer progress")

	root.AddCommand(putCmd(opts))
	root.AddCommand(getCmd(opts))
	root.AddCommand(lsCmd(opts))
	root.AddCommand(rmCmd(opts))
	root.AddCommand(statsCmd(opts))
	return root
}

func (o *options) client() *client.Client {
	return client.New(o.apiURL, o.timeout)
}

// reporter returns a progress reporter drawing to stderr, or nil in quiet mode.
func (o *options) reporter(action string, total int64) *progress.Reporter {
	if o.quiet {
		return nil
	}
	return progress.NewReporter(action, action, total,
		progress.NewTerminalSink(os.Stderr), progress.NewLimiter(250*time.Millisecond))
}

func onChunk(r *progress.Reporter) func(int) {
	if r == nil {
		return nil
	}
	return r.Add
}

// finish prints the completed status line.
func finish(r *progress.Reporter) {
	if r != nil {
		r.Finish()
	}
}

func abort(r *progress.Reporter) {
	if r != nil {
		r.Close()
	}
}
