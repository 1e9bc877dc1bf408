package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"filerelay/internal/core"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func getCmd(opts *options) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "get <code> [dir]",
		Short: "Download the file behind an access code",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := core.ParseAccessCode(args[0])
			if err != nil {
				return err
			}
			dir := "."
			if len(args) == 2 {
				dir = args[1]
			}
			return get(cmd, opts, code, dir, force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func get(cmd *cobra.Command, opts *options, code, dir string, force bool) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return &core.ValidationError{Arg: dir, Cause: "not a directory"}
	}

	tmp, err := os.CreateTemp(dir, ".relay-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	c := opts.client()
	rep := opts.reporter("Downloading", 0)
	defer abort(rep)
	dl, err := c.Download(cmd.Context(), code, tmp, onChunk(rep))
	if err == nil {
		finish(rep)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	dest := filepath.Join(dir, filepath.Base(dl.Filename))
	if !force {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", dest)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to save %s: %w", dest, err)
	}

	size := dl.Size
	if st, err := os.Stat(dest); err == nil {
		size = st.Size()
	}
	if opts.user != "" {
		if err := c.LogDownload(cmd.Context(), opts.user, size, dl.Filename); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not record download: %v\n", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", dest, humanize.IBytes(uint64(max(size, 0))))
	return nil
}
