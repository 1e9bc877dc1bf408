package cmd

import (
	"fmt"
	"io"
	"os"

	"filerelay/internal/client"
	"filerelay/internal/core"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func putCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "put <path>...",
		Short: "Upload files or directories and print their access codes",
		Long:  "Upload files or directories. Directories are sent as zip archives.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := core.ParseArgs(args)
			if err != nil {
				return err
			}
			return put(cmd, opts, paths)
		},
	}
}

func put(cmd *cobra.Command, opts *options, paths []core.ParsedPath) error {
	c := opts.client()
	out := cmd.OutOrStdout()

	var total int64
	hasDir := false
	for _, p := range paths {
		if p.Kind != core.PathDir {
			total += p.Size
			continue
		}
		hasDir = true
		if !opts.quiet {
			size, err := core.DirSize(p.FullPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "archiving %s (%s) as %s\n", p.FullPath, humanize.IBytes(uint64(size)), p.UploadName())
		}
	}
	if hasDir {
		total = 0 // archive size is unknown up front
	}

	rep := opts.reporter("Uploading", total)
	defer abort(rep)

	if len(paths) == 1 {
		p := paths[0]
		rc, err := openPath(p)
		if err != nil {
			return err
		}
		defer rc.Close()

		res, err := c.Upload(cmd.Context(), opts.user, p.UploadName(), rc, onChunk(rep))
		if err != nil {
			return err
		}
		finish(rep)
		printResult(out, *res)
		return nil
	}

	files := make([]client.File, 0, len(paths))
	for _, p := range paths {
		files = append(files, client.File{
			Name: p.UploadName(),
			Open: func() (io.ReadCloser, error) { return openPath(p) },
		})
	}

	results, err := c.UploadMany(cmd.Context(), opts.user, files, onChunk(rep))
	if err == nil {
		finish(rep)
	}
	for _, res := range results {
		printResult(out, res)
	}
	return err
}

// openPath opens a file, or streams a directory as a zip archive.
func openPath(p core.ParsedPath) (io.ReadCloser, error) {
	if p.Kind == core.PathFile {
		return os.Open(p.FullPath)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(core.WriteDirZip(pw, p.FullPath))
	}()
	return pr, nil
}

func printResult(w io.Writer, res client.UploadResult) {
	fmt.Fprintf(w, "%s\t%s\t%s\n", res.AccessCode, res.Filename, humanize.IBytes(uint64(max(res.Size, 0))))
}
