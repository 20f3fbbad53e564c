package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jimyag/storagedriver/internal/storagedriver/entity"
	"github.com/jimyag/storagedriver/pkg/disk"
	"github.com/jimyag/storagedriver/pkg/trash"
)

var progressInterval = 200 * time.Millisecond

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) jsonOutput() (bool, error) {
	switch c.opts.output {
	case "json":
		return true, nil
	case "table", "":
		return false, nil
	default:
		return false, fmt.Errorf("unsupported --output: %s", c.opts.output)
	}
}

func sizeOf(n int64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}

func (c *cli) printDisks(disks ...*disk.Disk) error {
	asJSON, err := c.jsonOutput()
	if err != nil {
		return err
	}
	if asJSON {
		if len(disks) == 1 {
			return c.printJSON(disks[0])
		}
		return c.printJSON(disks)
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tFORMAT\tTYPE\tSIZE\tACTUAL\tBASE")
	for _, d := range disks {
		base := d.BaseName
		if base == "" {
			base = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.Name, d.Format, d.Type, sizeOf(d.Size), sizeOf(d.ActualSize), base)
	}
	return tw.Flush()
}

func (c *cli) printTrash(entries []trash.Entry) error {
	asJSON, err := c.jsonOutput()
	if err != nil {
		return err
	}
	if asJSON {
		return c.printJSON(entries)
	}
	tw := tabwriter.NewWriter(c.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tTRASHED")
	for _, e := range entries {
		trashed := "-"
		if !e.TrashedAt.IsZero() {
			trashed = humanize.Time(e.TrashedAt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, sizeOf(e.Size), trashed)
	}
	return tw.Flush()
}

func (c *cli) printSpace(st trash.SpaceStat) error {
	asJSON, err := c.jsonOutput()
	if err != nil {
		return err
	}
	if asJSON {
		return c.printJSON(st)
	}
	fmt.Fprintf(c.stdout, "Free:  %s of %s (%.1f%%)\n",
		humanize.IBytes(st.FreeBytes), humanize.IBytes(st.TotalBytes), st.FreePercent)
	return nil
}

// waitTask 等待任务结束，进度变化时输出到 stderr；收到中断信号时取消任务
func (c *cli) waitTask(ctx context.Context, task *entity.Task) (*entity.Task, error) {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	last := -1
	for {
		cur, err := c.app.tasks.GetTask(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status.Finished() {
			return finished(cur)
		}
		if cur.Progress.Percent != last {
			last = cur.Progress.Percent
			line := fmt.Sprintf("%s %s: %d%%", cur.Kind, cur.Name, last)
			if cur.Progress.Bytes > 0 {
				line += " (" + humanize.IBytes(uint64(cur.Progress.Bytes)) + ")"
			}
			for k, v := range cur.Progress.Extra {
				line += fmt.Sprintf(" %s=%s", k, v)
			}
			fmt.Fprintln(c.stderr, line)
		}

		select {
		case <-sigCtx.Done():
			fmt.Fprintf(c.stderr, "Aborting %s...\n", task.ID)
			if _, err := c.app.tasks.AbortTask(ctx, task.ID); err != nil {
				return nil, err
			}
			final, err := c.app.tasks.Wait(context.WithoutCancel(ctx), task.ID)
			if err != nil {
				return nil, err
			}
			return finished(final)
		case <-ticker.C:
		}
	}
}

func finished(task *entity.Task) (*entity.Task, error) {
	switch task.Status {
	case entity.TaskStatusCompleted:
		return task, nil
	case entity.TaskStatusAborted:
		return task, fmt.Errorf("%s %s aborted", task.Kind, task.Name)
	default:
		return task, fmt.Errorf("%s %s failed: %s (%s)", task.Kind, task.Name, task.ErrorMessage, task.ErrorCode)
	}
}
