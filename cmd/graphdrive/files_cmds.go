package main

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/graphdrive/graphdrive"
	"github.com/graphdrive/graphdrive/drive"
)

// copyPollInterval is how often the cp command polls the copy monitor.
const copyPollInterval = 2 * time.Second

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List files and folders",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := buildClient()
			if err != nil {
				return err
			}
			defer client.Close()

			remotePath := ""
			if len(args) > 0 {
				remotePath = args[0]
			}

			page, err := client.ListChildrenByPath(cmd.Context(), remotePath)
			if err != nil {
				return err
			}

			all, err := page.All(cmd.Context())
			if err != nil {
				return err
			}

			if !stdoutIsTTY() {
				for _, item := range all {
					printItemLine(item)
				}

				return nil
			}

			rows := make([][]string, 0, len(all))
			for _, item := range all {
				rows = append(rows, []string{
					itemKind(item), formatSize(item.Size), formatTime(item.ModifiedAt), item.Name,
				})
			}

			printTable(os.Stdout, []string{"T", "SIZE", "MODIFIED", "NAME"}, rows)

			return nil
		},
	}

	return cmd
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Display file or folder metadata",
		Args:  cobra.ExactArgs(1),
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

			printItemDetail(item)

			return nil
		},
	}
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder (recursive)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := buildClient()
			if err != nil {
				return err
			}
			defer client.Close()

			item, err := mkdirAll(cmd, client, args[0])
			if err != nil {
				return err
			}

			statusf("created %s\n", item.Name)

			return nil
		},
	}
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <path> <new-parent-path> [new-name]",
		Short: "Move and/or rename a file or folder",
		Args:  cobra.RangeArgs(2, 3),
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

			dest, err := client.GetItemByPath(cmd.Context(), args[1])
			if err != nil {
				return err
			}

			newName := ""
			if len(args) == 3 {
				newName = args[2]
			}

			moved, err := client.Move(cmd.Context(), item.ID, dest.ID, newName)
			if err != nil {
				return err
			}

			statusf("moved to %s\n", moved.Name)

			return nil
		},
	}
}

func newRmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or folder",
		Long: `Delete a file or folder. Folder deletion is recursive; use
--recursive (-r) to confirm intent when deleting folders.`,
		Args: cobra.ExactArgs(1),
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

			recursive, _ := cmd.Flags().GetBool("recursive") //nolint:errcheck // flag registered below

			if item.IsFolder && !recursive {
				return fmt.Errorf("%s is a folder, pass --recursive to delete it and its contents", args[0])
			}

			if err := client.Delete(cmd.Context(), item.ID); err != nil {
				return err
			}

			statusf("deleted %s\n", args[0])

			return nil
		},
	}

	cmd.Flags().BoolP("recursive", "r", false, "confirm recursive folder deletion")

	return cmd
}

func newCpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cp <path> <dest-folder-path> [new-name]",
		Short: "Copy a file or folder server-side",
		Args:  cobra.RangeArgs(2, 3),
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

			dest, err := client.GetItemByPath(cmd.Context(), args[1])
			if err != nil {
				return err
			}

			newName := ""
			if len(args) == 3 {
				newName = args[2]
			}

			monitor, err := client.Copy(cmd.Context(), item.ID, dest.ID, newName)
			if err != nil {
				return err
			}

			statusf("copy started, waiting...\n")

			status, err := monitor.Wait(cmd.Context(), copyPollInterval)
			if err != nil {
				return err
			}

			if status.State == drive.JobFailed {
				return fmt.Errorf("copy failed: %s: %s", status.ErrorCode, status.ErrorMessage)
			}

			statusf("copy complete\n")

			return nil
		},
	}
}

func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search the whole drive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := buildClient()
			if err != nil {
				return err
			}
			defer client.Close()

			page, err := client.Search(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			all, err := page.All(cmd.Context())
			if err != nil {
				return err
			}

			if len(all) == 0 {
				statusf("no matches\n")
				return nil
			}

			for _, item := range all {
				printItemLine(item)
			}

			return nil
		},
	}
}

func newQuotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show drive storage usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := buildClient()
			if err != nil {
				return err
			}
			defer client.Close()

			info, err := client.About(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Used:      %s\n", formatSize(info.Used))
			fmt.Printf("Remaining: %s\n", formatSize(info.Remaining))
			fmt.Printf("Total:     %s\n", formatSize(info.Total))

			return nil
		},
	}
}

// mkdirAll creates every missing folder along remotePath, like os.MkdirAll.
func mkdirAll(cmd *cobra.Command, client *graphdrive.Client, remotePath string) (*drive.Item, error) {
	remotePath = strings.Trim(remotePath, "/")
	if remotePath == "" {
		return client.GetItemByPath(cmd.Context(), "")
	}

	if item, err := client.GetItemByPath(cmd.Context(), remotePath); err == nil {
		if !item.IsFolder {
			return nil, fmt.Errorf("%s exists and is not a folder", remotePath)
		}

		return item, nil
	}

	parent, err := mkdirAll(cmd, client, path.Dir(remotePath))
	if err != nil {
		return nil, err
	}

	return client.CreateFolder(cmd.Context(), parent.ID, path.Base(remotePath))
}

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
