package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newTrashCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trash",
		Short: "Soft-delete, recover and reclaim images",
	}
	cmd.AddCommand(
		newTrashMoveCmd(c),
		newTrashRecoverCmd(c),
		newTrashListCmd(c),
		newTrashReclaimCmd(c),
		newTrashStatCmd(c),
	)
	return cmd
}

func newTrashMoveCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "move <name>",
		Short: "Move an image into the trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := c.setup(cmd)
			if err != nil {
				return err
			}
			kind, err := c.backendKind()
			if err != nil {
				return err
			}
			if err := c.app.disks.MoveToTrash(ctx, kind, c.opts.dir, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "Moved %s to trash\n", args[0])
			return nil
		},
	}
}

func newTrashRecoverCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "recover <name>",
		Short: "Move an image back out of the trash",
		Long: `Move an image back out of the trash.

Nothing is changed when a live image with the same name exists.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := c.setup(cmd)
			if err != nil {
				return err
			}
			kind, err := c.backendKind()
			if err != nil {
				return err
			}
			recovered, err := c.app.disks.RecoverFromTrash(ctx, kind, c.opts.dir, args[0])
			if err != nil {
				return err
			}
			if !recovered {
				fmt.Fprintf(c.stdout, "Skipped %s: a live image with the same name exists\n", args[0])
				return nil
			}
			fmt.Fprintf(c.stdout, "Recovered %s\n", args[0])
			return nil
		},
	}
}

func newTrashListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trashed images, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := c.setup(cmd)
			if err != nil {
				return err
			}
			kind, err := c.backendKind()
			if err != nil {
				return err
			}
			entries, err := c.app.disks.ListTrash(ctx, kind, c.opts.dir)
			if err != nil {
				return err
			}
			return c.printTrash(entries)
		},
	}
}

func newTrashReclaimCmd(c *cli) *cobra.Command {
	var target float64
	cmd := &cobra.Command{
		Use:   "reclaim [candidate...]",
		Short: "Purge trashed images until the free space target is met",
		Long: `Purge trashed images one by one until free space reaches --target percent.

Candidates are purged in the order given; without candidates the whole trash is
used, oldest first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := c.setup(cmd)
			if err != nil {
				return err
			}
			kind, err := c.backendKind()
			if err != nil {
				return err
			}
			var percent *float64
			if cmd.Flags().Changed("target") {
				percent = &target
			}
			task, err := c.app.disks.ReclaimSpace(ctx, kind, c.opts.dir, args, percent)
			if err != nil {
				return err
			}
			done, err := c.waitTask(ctx, task)
			if err != nil {
				return err
			}
			if len(done.Result.Purged) == 0 {
				fmt.Fprintln(c.stdout, "Free space target already met")
				return nil
			}
			fmt.Fprintf(c.stdout, "Purged %s\n", strings.Join(done.Result.Purged, ", "))
			return nil
		},
	}
	cmd.Flags().Float64Var(&target, "target", 0, "target free space percent (default from config)")
	return cmd
}

func newTrashStatCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "Show free space of the directory's filesystem or the whole cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := c.setup(cmd)
			if err != nil {
				return err
			}
			kind, err := c.backendKind()
			if err != nil {
				return err
			}
			st, err := c.app.disks.FreeSpace(ctx, kind, c.opts.dir)
			if err != nil {
				return err
			}
			return c.printSpace(st)
		},
	}
}
