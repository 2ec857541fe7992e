package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage AniList list backups",
}

var backupListCmd = &cobra.Command{
	Use:   "list <profile>",
	Short: "List backup files, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()

		infos, err := rt.ListBackups(args[0])
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("No backups")
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%s  %8d bytes  %s\n",
				info.CreatedAt.Format("2006-01-02 15:04:05"), info.Size, info.Name)
		}
		return nil
	},
}

var backupCreateCmd = &cobra.Command{
	Use:   "create <profile>",
	Short: "Take an immediate backup of the profile's AniList list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()

		path, err := rt.SnapshotBackup(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Backup written to %s\n", path)
		return nil
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <profile> <backup>",
	Short: "Write a backup's entries back to AniList",
	Long: `Write a backup file's entries back to the profile's AniList list.

Only entries that differ from the current list state are written. The
backup argument is a file name from 'backup list' or a path.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()

		summary, err := rt.RestoreBackup(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Restored %d of %d entries\n", summary.Restored, summary.Processed)
		for _, msg := range summary.Errors {
			fmt.Printf("  error: %s\n", msg)
		}
		return nil
	},
}

func init() {
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupRestoreCmd)
}
