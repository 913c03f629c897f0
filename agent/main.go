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
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"collabtext/internal/filetree"
	"collabtext/internal/replica"
)

const Version = "0.2.0"

const usage = `CollabText agent.

Works on a room of a sync hub as one more replica. Without --hub the hub is
looked up on the local network.

Usage:
    agent watch <room> [--hub=<hub>] [--name=<name>] [--v=<level>]
    agent tree <room> [--hub=<hub>] [--v=<level>]
    agent cat <room> <path> [--hub=<hub>] [--v=<level>]
    agent write <room> <path> [<file>] [--hub=<hub>] [--v=<level>]
    agent rm <room> <path> [--hub=<hub>] [--v=<level>]
    agent mv <room> <from> <to> [--hub=<hub>] [--v=<level>]
    agent discover [--timeout=<timeout>] [--v=<level>]
    agent -h | --help
    agent --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --hub=<hub>            Hub address, host:port or URL.
    --name=<name>          Name shown to the other replicas.
    --timeout=<timeout>    How long to look for hubs [default: 5s].
    --v=<level>            Log verbosity.`

var Out = os.Stdout

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "WARNING")
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}
	if v, _ := opts.String("--v"); v != "" {
		flag.Set("v", v)
	}
	defer glog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if discover_, _ := opts.Bool("discover"); discover_ {
		err = discoverHub(ctx, opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(ctx, opts)
	} else if tree_, _ := opts.Bool("tree"); tree_ {
		err = withReplica(ctx, opts, printTree)
	} else if cat_, _ := opts.Bool("cat"); cat_ {
		err = withReplica(ctx, opts, cat)
	} else if write_, _ := opts.Bool("write"); write_ {
		err = withReplica(ctx, opts, write)
	} else if rm_, _ := opts.Bool("rm"); rm_ {
		err = withReplica(ctx, opts, remove)
	} else if mv_, _ := opts.Bool("mv"); mv_ {
		err = withReplica(ctx, opts, move)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent: %s\n", err)
		glog.Flush()
		os.Exit(1)
	}
}

func discoverHub(ctx context.Context, opts docopt.Opts) error {
	timeout, err := timeoutOpt(opts)
	if err != nil {
		return err
	}
	addr, err := discover(ctx, timeout)
	if err != nil {
		return err
	}
	fmt.Fprintln(Out, addr)
	return nil
}

func timeoutOpt(opts docopt.Opts) (time.Duration, error) {
	s, _ := opts.String("--timeout")
	if s == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(s)
}

// hub returns the --hub address or looks one up.
func hub(ctx context.Context, opts docopt.Opts) (string, error) {
	if h, _ := opts.String("--hub"); h != "" {
		return h, nil
	}
	return discover(ctx, 5*time.Second)
}

func connect(ctx context.Context, opts docopt.Opts, ropts replica.Options) (*replica.Client, func(), error) {
	addr, err := hub(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	room, _ := opts.String("<room>")
	c, err := replica.New(addr, room, ropts)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	return c, func() {
		cancel()
		<-done
	}, nil
}

// withReplica syncs a replica of the room, runs fn against it and
// disconnects, so edits made by fn reach the hub before returning.
func withReplica(ctx context.Context, opts docopt.Opts, fn func(*replica.Client, docopt.Opts) error) error {
	c, closeFn, err := connect(ctx, opts, replica.Options{})
	if err != nil {
		return err
	}
	defer closeFn()

	syncCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := c.WaitSynced(syncCtx); err != nil {
		return fmt.Errorf("syncing %s: %w", c.Room(), err)
	}
	return fn(c, opts)
}

func printTree(c *replica.Client, opts docopt.Opts) error {
	renderTree(Out, c.Tree())
	return nil
}

func renderTree(w io.Writer, nodes []*filetree.Node) {
	filetree.Walk(nodes, func(n *filetree.Node, depth int) {
		name := n.Name
		if n.Type == filetree.Folder {
			name += "/"
		}
		fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), name)
	})
}

func cat(c *replica.Client, opts docopt.Opts) error {
	path, _ := opts.String("<path>")
	content, ok := c.Materialize(path)
	if !ok {
		return fmt.Errorf("%s: no such file", path)
	}
	fmt.Fprint(Out, content)
	return nil
}

func write(c *replica.Client, opts docopt.Opts) error {
	path, _ := opts.String("<path>")
	var r io.Reader = os.Stdin
	if file, _ := opts.String("<file>"); file != "" && file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return c.Replace(path, string(content))
}

func remove(c *replica.Client, opts docopt.Opts) error {
	path, _ := opts.String("<path>")
	return c.RemoveFile(path)
}

func move(c *replica.Client, opts docopt.Opts) error {
	from, _ := opts.String("<from>")
	to, _ := opts.String("<to>")
	return c.Rename(from, to)
}

// watch stays connected and prints the file set and the other replicas every
// time they change.
func watch(ctx context.Context, opts docopt.Opts) error {
	changes := make(chan struct{}, 1)
	c, closeFn, err := connect(ctx, opts, replica.Options{OnChange: func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	}})
	if err != nil {
		return err
	}
	defer closeFn()

	if err := c.WaitSynced(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	name, _ := opts.String("--name")
	if name == "" {
		name, _ = os.Hostname()
	}
	if err := c.SetPresence(map[string]string{"name": name, "agent": "cli"}); err != nil {
		glog.Warningf("[agent]announcing presence: %s\n", err)
	}

	var last string
	for {
		var b strings.Builder
		renderTree(&b, c.Tree())
		for _, p := range c.Peers() {
			fmt.Fprintf(&b, "@ %s\n", peerName(p))
		}
		if s := b.String(); s != last {
			fmt.Fprintf(Out, "== %s (%s)\n%s", c.Room(), time.Now().Format(time.TimeOnly), s)
			last = s
		}
		select {
		case <-changes:
		case <-ctx.Done():
			return nil
		}
	}
}

func peerName(p replica.Peer) string {
	if name := p.Fields["name"]; name != "" {
		return fmt.Sprintf("%s (%d)", name, p.Replica)
	}
	return fmt.Sprintf("%d", p.Replica)
}
