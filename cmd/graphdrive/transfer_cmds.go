package main

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/graphdrive/graphdrive/transfer"
)

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-file>... <remote-folder>",
		Short: "Upload one or more files",
		Long: `Upload local files into a remote folder. Large files use a resumable
session; if the transfer is interrupted, 'graphdrive resume' picks it up
where the server left off.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := buildClient()
			if err != nil {
				return err
			}
			defer client.Close()

			locals, remoteDir := args[:len(args)-1], args[len(args)-1]

			jobs := make([]transfer.UploadJob, 0, len(locals))
			for _, local := range locals {
				jobs = append(jobs, transfer.UploadJob{
					LocalPath:  local,
					RemotePath: path.Join(remoteDir, filepath.Base(local)),
				})
			}

			outcomes := client.Transfers.UploadAll(cmd.Context(), jobs)

			var failed int

			for _, out := range outcomes {
				if out.Err != nil {
					failed++

					fmt.Fprintf(cmd.ErrOrStderr(), "upload failed: %s: %v\n", out.Job.LocalPath, out.Err)

					continue
				}

				statusf("uploaded %s -> %s (%s)\n",
					out.Job.LocalPath, out.Job.RemotePath, formatSize(out.Item.Size))
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", failed, len(outcomes))
			}

			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-path> [local-path]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := buildClient()
			if err != nil {
				return err
			}
			defer client.Close()

			item, err := client.GetItemByPath(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			localPath := item.Name
			if len(args) == 2 {
				localPath = args[1]
			}

			res, err := client.Download(cmd.Context(), item.ID, localPath)
			if err != nil {
				return err
			}

			statusf("downloaded %s (%s)\n", res.Path, formatSize(res.Bytes))

			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume interrupted uploads",
		Long: `Resume every upload session persisted by an interrupted 'put'. Each
session asks the server which byte ranges it already has and continues
from there. Expired sessions and sessions whose local file no longer
exists are dropped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := buildClient()
			if err != nil {
				return err
			}
			defer client.Close()

			if _, err := client.PurgeExpiredSessions(cmd.Context()); err != nil {
				return err
			}

			outcomes := client.ResumePending(cmd.Context())
			if len(outcomes) == 0 {
				statusf("nothing to resume\n")
				return nil
			}

			var failed int

			for _, out := range outcomes {
				if out.Err != nil {
					failed++

					fmt.Fprintf(cmd.ErrOrStderr(), "resume failed: %s: %v\n", out.Job.LocalPath, out.Err)

					continue
				}

				statusf("resumed %s -> %s\n", out.Job.LocalPath, out.Job.RemotePath)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d resumes failed", failed, len(outcomes))
			}

			return nil
		},
	}
}
