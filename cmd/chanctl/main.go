package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/AgentOS/channels/internal/client"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/tracing"
)

var errUsage = errors.New("usage: chanctl [-addr url] [-json] health|stats|channels|endpoints|procs|abi|events")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "chanctl:", err)
		os.Exit(1)
	}
}

type cli struct {
	client *client.Client
	out    io.Writer
	json   bool
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("chanctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	addr := fs.String("addr", envOr("CHANCTL_ADDR", "http://localhost:8000"), "Admin API base URL")
	asJSON := fs.Bool("json", false, "Print JSON")
	timeout := fs.Duration("timeout", 10*time.Second, "Per-request timeout")
	retries := fs.Int("retries", 3, "Retries on transport errors and 5xx")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	opts := client.DefaultOptions()
	opts.Timeout = *timeout
	opts.RetryMax = *retries
	c := &cli{client: client.New(*addr, opts), out: out, json: *asJSON}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "health":
		return c.health(ctx)
	case "stats":
		return c.stats(ctx)
	case "channels":
		return c.channels(ctx, rest)
	case "endpoints":
		return c.endpoints(ctx)
	case "procs":
		return c.procs(ctx)
	case "abi":
		return c.abi(ctx)
	case "events":
		return c.events(ctx, rest)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (c *cli) printJSON(v any) error {
	data, err := sonic.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(data))
	return err
}

func (c *cli) table(header string, rows func(w io.Writer)) error {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, header)
	rows(w)
	return w.Flush()
}

func (c *cli) health(ctx context.Context) error {
	h, err := c.client.Health(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(h)
	}
	_, err = fmt.Fprintf(c.out, "%s: %d open channels, %d handles, %d processes\n",
		h.Status, h.OpenChannels, h.Handles, h.Processes)
	return err
}

func (c *cli) stats(ctx context.Context) error {
	s, err := c.client.Stats(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(s)
	}
	return c.table("COUNTER\tVALUE", func(w io.Writer) {
		fmt.Fprintf(w, "open_channels\t%d\n", s.OpenChannels)
		fmt.Fprintf(w, "handles\t%d\n", s.Handles)
		fmt.Fprintf(w, "blocks\t%d\n", s.Blocks)
		fmt.Fprintf(w, "processes\t%d\n", s.Processes)
	})
}

func (c *cli) channels(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("channels", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	owner := fs.String("owner", "", "Owner name glob")
	if err := fs.Parse(args); err != nil {
		return err
	}

	chans, err := c.client.Channels(ctx, *owner)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(chans)
	}
	return c.table("ID\tEXPORT\tIMPORT\tLINK", func(w io.Writer) {
		for _, ch := range chans {
			link := "-"
			exp, imp := "-", "-"
			if ch.Export != nil {
				exp = fmt.Sprintf("%s(%d)", ch.Export.OwnerName, ch.Export.Owner)
				link = ch.Export.Link
			}
			if ch.Import != nil {
				imp = fmt.Sprintf("%s(%d)", ch.Import.OwnerName, ch.Import.Owner)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", ch.ID, exp, imp, link)
		}
	})
}

func (c *cli) endpoints(ctx context.Context) error {
	eps, err := c.client.Endpoints(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(eps)
	}
	return c.table("HANDLE\tCHANNEL\tOWNER\tSTATE\tLINK\tPENDING", func(w io.Writer) {
		for _, ep := range eps {
			fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\t%d\n", ep.Handle, ep.ChannelID, ep.Owner, ep.State, ep.Link, ep.Pending)
		}
	})
}

func (c *cli) procs(ctx context.Context) error {
	procs, err := c.client.Processes(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(procs)
	}
	return c.table("PID\tNAME\tHEAP", func(w io.Writer) {
		for _, p := range procs {
			fmt.Fprintf(w, "%d\t%s\t%s\n", p.PID, p.Name, p.Heap)
		}
	})
}

func (c *cli) abi(ctx context.Context) error {
	ops, err := c.client.Operations(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return c.printJSON(ops)
	}
	return c.table("OPERATION\tMAY_ALLOCATE\tMAY_BLOCK", func(w io.Writer) {
		for _, op := range ops {
			fmt.Fprintf(w, "%s\t%t\t%t\n", op.Name, op.MayAllocate, op.MayBlock)
		}
	})
}

func (c *cli) events(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	kinds := fs.String("kinds", "", "Comma separated event kinds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var filter []string
	for _, k := range strings.Split(*kinds, ",") {
		if k = strings.TrimSpace(k); k != "" {
			filter = append(filter, k)
		}
	}

	return c.client.Events(ctx, filter, func(ev tracing.Event) error {
		if c.json {
			data, err := sonic.Marshal(ev)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.out, string(data))
			return err
		}
		_, err := fmt.Fprintf(c.out, "%s %-16s channel=%d pid=%d %s\n",
			ev.Time.Format(time.RFC3339Nano), ev.Kind, ev.ChannelID, ev.ProcessID, ev.Detail)
		return err
	})
}
