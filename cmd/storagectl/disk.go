package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/spf13/cobra"
)

func newDiskCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disk",
		Short: "Manage disk images",
	}
	cmd.AddCommand(
		newDiskCreateCmd(c),
		newDiskInfoCmd(c),
		newDiskListCmd(c),
		newDiskDeleteCmd(c),
		newDiskSnapshotCmd(c),
		newDiskDownloadCmd(c),
		newDiskMergeCmd(c),
		newDiskChecksumCmd(c),
	)
	return cmd
}

func newDiskCreateCmd(c *cli) *cobra.Command {
	var format, size string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty image",
		Long: `Create an empty image of the given size.

Creatable formats: qcow2 and raw on file, rbd on ceph_block.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := c.setup(cmd)
			if err != nil {
				return err
			}
			d, err := c.locate(args[0])
			if err != nil {
				return err
			}
			bytes, err := humanize.ParseBytes(size)
			if err != nil {
				return fmt.Errorf("invalid --size %q: %w", size, err)
			}
			d.Format = disk.Format(format)
			if d.Format == "" {
				d.Format = defaultFormat(d.Backend)
			}
			d.Type = disk.TypeNormal
			d.Size = int64(bytes)

			created, err := c.app.disks.CreateDisk(ctx, d)
			if err != nil {
				return err
			}
			return c.printDisks(created)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "image format (default qcow2 for file, rbd for ceph_block)")
	cmd.Flags().StringVarP(&size, "size", "s", "", "virtual size, e.g. 20GiB")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func defaultFormat(kind disk.BackendKind) disk.Format {
	if kind == disk.BackendCephBlock {
		return disk.FormatRBD
	}
	return disk.FormatQcow2
}

func newDiskInfoCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "info <name>",
		Short: "Show format, size and base of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := c.setup(cmd)
			if err != nil {
				return err
			}
			d, err := c.locate(args[0])
			if err != nil {
				return err
			}
			got, err := c.app.disks.GetDisk(ctx, d)
			if err != nil {
				return err
			}
			return c.printDisks(got)
		},
	}
}

func newDiskListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List images in a directory or pool",
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
			disks, err := c.app.disks.ListDisks(ctx, kind, c.opts.dir)
			if err != nil {
				return err
			}
			return c.printDisks(disks...)
		},
	}
}

func newDiskDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Permanently delete an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := c.setup(cmd)
			if err != nil {
				return err
			}
			d, err := c.locate(args[0])
			if err != nil {
				return err
			}
			if err := c.app.disks.DeleteDisk(ctx, d); err != nil {
				return err
			}
			fmt.Fprintf(c.stdout, "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newDiskSnapshotCmd(c *cli) *cobra.Command {
	var base, format string
	cmd := &cobra.Command{
		Use:   "snapshot <name>",
		Short: "Create a copy-on-write image on top of a base image",
		Long: `Create a snapshot image whose unwritten blocks come from --base.

On file, qcow2 snapshots get a backing file and iso snapshots become symlinks.
On ceph_block, the base gets a protected reference snapshot and is cloned.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := c.setup(cmd)
			if err != nil {
				return err
			}
			d, err := c.locate(args[0])
			if err != nil {
				return err
			}
			d.Type = disk.TypeSnapshot
			d.BaseName = base
			d.Format = disk.Format(format)
			if d.Format == "" {
				d.Format = defaultFormat(d.Backend)
			}
			snap, err := c.app.disks.SnapshotDisk(ctx, d)
			if err != nil {
				return err
			}
			return c.printDisks(snap)
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "base image name")
	cmd.Flags().StringVarP(&format, "format", "f", "", "snapshot format (default qcow2 for file, rbd for ceph_block)")
	_ = cmd.MarkFlagRequired("base")
	return cmd
}

func newDiskDownloadCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "download <name> <url>",
		Short: "Download an image from an http(s) URL",
		Long: `Download an image into a new image named <name>.

.gz and .bz2 URLs are decompressed while streaming. On file, .zip archives are
extracted when they hold a single entry or a single .iso. ceph_block only
accepts iso content.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := c.setup(cmd)
			if err != nil {
				return err
			}
			d, err := c.locate(args[0])
			if err != nil {
				return err
			}
			task, err := c.app.disks.DownloadDisk(ctx, d, args[1])
			if err != nil {
				return err
			}
			done, err := c.waitTask(ctx, task)
			if err != nil {
				return err
			}
			return c.printDisks(done.Result.Disk)
		},
	}
}

func newDiskMergeCmd(c *cli) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "merge <source> <target>",
		Short: "Flatten an image and its base into a standalone image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := c.setup(cmd)
			if err != nil {
				return err
			}
			src, err := c.locate(args[0])
			if err != nil {
				return err
			}
			dst, err := c.locate(args[1])
			if err != nil {
				return err
			}
			dst.Format = disk.Format(format)
			task, err := c.app.disks.MergeDisk(ctx, src, dst)
			if err != nil {
				return err
			}
			done, err := c.waitTask(ctx, task)
			if err != nil {
				return err
			}
			return c.printDisks(done.Result.Disk)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "target format (default: source format)")
	return cmd
}

func newDiskChecksumCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "checksum <name>",
		Short: "Compute the sha256 digest of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := c.setup(cmd)
			if err != nil {
				return err
			}
			d, err := c.locate(args[0])
			if err != nil {
				return err
			}
			task, err := c.app.disks.ChecksumDisk(ctx, d)
			if err != nil {
				return err
			}
			done, err := c.waitTask(ctx, task)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.stdout, done.Result.Digest)
			return nil
		},
	}
}
