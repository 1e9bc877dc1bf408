package cmd

import (
	"fmt"
	"text/tabwriter"

	"filerelay/internal/core"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func requireUser(opts *options) error {
	if opts.user == "" {
		return &core.ValidationError{Arg: "--user", Cause: "a user id is required"}
	}
	return nil
}

func lsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List the files uploaded by --user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(opts); err != nil {
				return err
			}
			files, err := opts.client().List(cmd.Context(), opts.user)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no files")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CODE\tFILENAME")
			for _, f := range files {
				fmt.Fprintf(tw, "%s\t%s\n", f.AccessCode, f.Filename)
			}
			return tw.Flush()
		},
	}
}

func rmCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <code>",
		Short: "Delete an uploaded file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := core.ParseAccessCode(args[0])
			if err != nil {
				return err
			}
			if err := opts.client().Delete(cmd.Context(), code, opts.user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", code)
			return nil
		},
	}
}

func statsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show usage counters for --user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(opts); err != nil {
				return err
			}
			s, err := opts.client().Stats(cmd.Context(), opts.user)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "uploads:    %d (%s)\n", s.Uploads, humanize.IBytes(uint64(max(s.BytesUploaded, 0))))
			fmt.Fprintf(w, "downloads:  %d (%s)\n", s.Downloads, humanize.IBytes(uint64(max(s.BytesDownloaded, 0))))
			fmt.Fprintf(w, "last:       %s\n", s.LastActivity)
			return nil
		},
	}
}
