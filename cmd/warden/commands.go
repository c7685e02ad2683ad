package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/matgreaves/warden/client"
)

func runLs(args []string) error {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	addr := fs.String("addr", "", "daemon address")
	status := fs.String("status", "", "filter by status")
	name := fs.String("name", "", "filter by name substring")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, ctx, cancel, err := dial(serverAddr(*addr))
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	procs, total, err := c.List(ctx, client.ListOptions{Status: *status, Name: *name})
	if err != nil {
		return err
	}
	if total == 0 {
		fmt.Fprintln(os.Stderr, "No processes.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
		bold("ID"), bold("STATUS"), bold("TITLE"), bold("PID"), bold("STARTED"), bold("RUNTIME"))
	for _, p := range procs {
		pid := "-"
		if p.PID != nil {
			pid = fmt.Sprintf("%d", *p.PID)
		}
		runtime := "-"
		if p.EndTime != nil {
			runtime = p.EndTime.Sub(p.StartTime).Round(time.Millisecond).String()
		} else if p.Status == "running" {
			runtime = time.Since(p.StartTime).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, colorStatus(p.Status), p.Title, pid,
			p.StartTime.Local().Format("15:04:05"), runtime)
	}
	return tw.Flush()
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	addr := fs.String("addr", "", "daemon address")
	title := fs.String("title", "", "process title (required)")
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("command is required")
	}
	if *title == "" {
		*title = fs.Arg(0)
	}

	c, ctx, cancel, err := dial(serverAddr(*addr))
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	id, err := c.Start(ctx, client.StartOptions{
		Script: fs.Arg(0),
		Title:  *title,
		Name:   *name,
		Args:   fs.Args()[1:],
	})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	addr := fs.String("addr", "", "daemon address")
	force := fs.Bool("force", false, "kill immediately instead of terminating gracefully")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("exactly one process id is required")
	}

	c, ctx, cancel, err := dial(serverAddr(*addr))
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	return c.Stop(ctx, fs.Arg(0), *force)
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	addr := fs.String("addr", "", "daemon address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("exactly one process id is required")
	}

	c, ctx, cancel, err := dial(serverAddr(*addr))
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	p, err := c.Status(ctx, fs.Arg(0))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\t%s\n", bold("ID"), p.ID)
	fmt.Fprintf(tw, "%s\t%s\n", bold("Title"), p.Title)
	if p.Name != "" {
		fmt.Fprintf(tw, "%s\t%s\n", bold("Name"), p.Name)
	}
	fmt.Fprintf(tw, "%s\t%s\n", bold("Status"), colorStatus(p.Status))
	fmt.Fprintf(tw, "%s\t%s\n", bold("Command"), strings.Join(p.Command, " "))
	fmt.Fprintf(tw, "%s\t%s\n", bold("Started"), p.StartTime.Local().Format(time.RFC3339))
	if p.PID != nil {
		fmt.Fprintf(tw, "%s\t%d\n", bold("PID"), *p.PID)
	}
	if p.EndTime != nil {
		fmt.Fprintf(tw, "%s\t%s\n", bold("Ended"), p.EndTime.Local().Format(time.RFC3339))
	}
	if p.ExitCode != nil {
		exit := fmt.Sprintf("%d", *p.ExitCode)
		if p.ExitSignal != "" {
			exit += " (signal: " + p.ExitSignal + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\n", bold("Exit"), exit)
	}
	return tw.Flush()
}

func runLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	addr := fs.String("addr", "", "daemon address")
	kind := fs.String("kind", "", "filter by kind: stdout, stderr, system")
	tail := fs.Int("tail", 0, "show only the last N entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("exactly one process id is required")
	}

	c, ctx, cancel, err := dial(serverAddr(*addr))
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()

	logs, total, err := c.Logs(ctx, fs.Arg(0), client.LogOptions{Kind: *kind})
	if err != nil {
		return err
	}
	if *tail > 0 && *tail < len(logs) {
		logs = logs[len(logs)-*tail:]
	}
	for _, e := range logs {
		fmt.Printf("%s %s %s\n",
			dim(e.Timestamp.Local().Format("15:04:05.000")),
			colorKind(e.Kind),
			e.Content)
	}
	if len(logs) < total {
		fmt.Fprintf(os.Stderr, "(%d of %d entries)\n", len(logs), total)
	}
	return nil
}

// runWatch subscribes to everything and prints broadcast frames until
// interrupted.
func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	addr := fs.String("addr", "", "daemon address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, serverAddr(*addr))
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.SubscribeAll(ctx); err != nil {
		return err
	}

	for {
		select {
		case frame := <-c.Events():
			printEvent(frame)
		case <-ctx.Done():
			return nil
		}
	}
}

func printEvent(frame client.Frame) {
	ts := dim(time.Now().Format("15:04:05.000"))
	switch frame.Type {
	case "process_state_changed":
		var ev client.StateChange
		if json.Unmarshal(frame.Data, &ev) == nil {
			fmt.Printf("%s %s %s: %s -> %s\n", ts, bold(frame.Type), ev.ProcessID,
				colorStatus(ev.From), colorStatus(ev.To))
			return
		}
	case "process_logs_updated":
		var ev client.LogsUpdate
		if json.Unmarshal(frame.Data, &ev) == nil {
			for _, e := range ev.Logs {
				fmt.Printf("%s %s %s %s\n", ts, ev.ProcessID, colorKind(e.Kind), e.Content)
			}
			return
		}
	case "process_started", "process_stopped", "process_failed":
		var ev client.ProcessEvent
		if json.Unmarshal(frame.Data, &ev) == nil {
			line := fmt.Sprintf("%s %s %s", ts, bold(frame.Type), ev.ProcessID)
			if ev.Reason != "" {
				line += " (" + ev.Reason + ")"
			}
			fmt.Println(line)
			return
		}
	}
	fmt.Printf("%s %s %s\n", ts, bold(frame.Type), string(frame.Data))
}
