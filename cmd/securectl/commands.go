package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/i-melnichenko/secure-storage/internal/client"
	replgrpc "github.com/i-melnichenko/secure-storage/internal/transport/grpc/replication"
)

type options struct {
	addr     string
	grpcAddr string
	timeout  time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "securectl",
		Short:         "Client for the secure storage RESP and replication endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", "localhost:6380", "RESP address of the node")
	root.PersistentFlags().StringVar(&opts.grpcAddr, "grpc-addr", "localhost:9090", "replication gRPC address of the node")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")

	root.AddCommand(
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store a value",
			Args:  cobra.ExactArgs(2),
			RunE: withClient(opts, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
				if err := c.Set(ctx, args[0], args[1]); err != nil {
					if client.IsReadOnly(err) {
						return fmt.Errorf("%s is a read-only replica, write to the primary", opts.addr)
					}
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Read a value",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(opts, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
				value, found, err := c.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !found {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "(not found) %s\n", args[0])
					return nil
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], value)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "del <key>",
			Short: "Delete a key",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(opts, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
				existed, err := c.Del(ctx, args[0])
				if err != nil {
					return err
				}
				if existed {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "(integer) 1")
				} else {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "(integer) 0")
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "keys",
			Short: "List every key, sorted",
			Args:  cobra.NoArgs,
			RunE: withClient(opts, func(ctx context.Context, c *client.Client, cmd *cobra.Command, _ []string) error {
				keys, err := c.Keys(ctx)
				if err != nil {
					return err
				}
				sort.Strings(keys)
				for _, k := range keys {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "do <command> [args...]",
			Short: "Send a raw command and print the reply",
			Args:  cobra.MinimumNArgs(1),
			RunE: withClient(opts, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
				v, err := c.Do(ctx, args...)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), v.String())
				return nil
			}),
		},
		&cobra.Command{
			Use:   "ping",
			Short: "Check that the node answers",
			Args:  cobra.NoArgs,
			RunE: withClient(opts, func(ctx context.Context, c *client.Client, cmd *cobra.Command, _ []string) error {
				v, err := c.Do(ctx, "PING")
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), v.String())
				return nil
			}),
		},
		&cobra.Command{
			Use:   "info [section]",
			Short: "Print the INFO report",
			Args:  cobra.MaximumNArgs(1),
			RunE: withClient(opts, func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error {
				v, err := c.Do(ctx, append([]string{"INFO"}, args...)...)
				if err != nil {
					return err
				}
				if v.IsError() {
					return &client.ReplyError{Message: v.Str}
				}
				_, _ = fmt.Fprint(cmd.OutOrStdout(), strings.ReplaceAll(v.Str, "\r\n", "\n"))
				return nil
			}),
		},
		newSetBatchCmd(opts),
		newReplicationCmd(opts),
	)
	return root
}

type clientFunc func(ctx context.Context, c *client.Client, cmd *cobra.Command, args []string) error

func withClient(opts *options, fn clientFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
		defer cancel()
		c, err := client.Dial(ctx, opts.addr)
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()
		return fn(ctx, c, cmd, args)
	}
}

// newSetBatchCmd writes key<TAB>value lines over one connection and prints a
// result line per input line: status, sequence number, latency in ms, key.
func newSetBatchCmd(opts *options) *cobra.Command {
	var inPath string
	cmd := &cobra.Command{
		Use:   "set-batch",
		Short: "Store many key<TAB>value lines from a file or stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var r io.Reader = cmd.InOrStdin()
			if inPath != "-" {
				// #nosec G304 -- CLI intentionally reads a user-provided local input file.
				f, err := os.Open(inPath)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				r = f
			}

			dialCtx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			c, err := client.Dial(dialCtx, opts.addr)
			cancel()
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			return setBatch(cmd.Context(), c, opts.timeout, r, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "-", "TSV input path (key<TAB>value), use - for stdin")
	return cmd
}

func setBatch(ctx context.Context, c *client.Client, timeout time.Duration, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	seq := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		seq++
		key, value, ok := strings.Cut(line, "\t")
		if !ok {
			_, _ = fmt.Fprintf(w, "err\t%d\t0\t\tinvalid_tsv_line\n", seq)
			continue
		}
		start := time.Now()
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		setErr := c.Set(reqCtx, key, value)
		cancel()
		ms := time.Since(start).Milliseconds()

		var re *client.ReplyError
		switch {
		case setErr == nil:
			_, _ = fmt.Fprintf(w, "ok\t%d\t%d\t%s\n", seq, ms, key)
		case errors.As(setErr, &re):
			_, _ = fmt.Fprintf(w, "err\t%d\t%d\t%s\t%s\n", seq, ms, key, re.Message)
		default:
			// The connection is unusable after a transport failure.
			return fmt.Errorf("line %d: %w", seq, setErr)
		}
	}
	return scanner.Err()
}

func newReplicationCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "replication-info",
		Short: "Show the node's replication state over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := replgrpc.Dial(opts.grpcAddr, "securectl", nil,
				grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			info, err := c.Info(ctx)
			if err != nil {
				return err
			}
			return renderNodeInfo(cmd.OutOrStdout(), info)
		},
	}
}

func renderNodeInfo(w io.Writer, info replgrpc.NodeInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k string, v any) { _, _ = fmt.Fprintf(tw, "%s\t%v\n", k, v) }

	row("node", info.NodeID)
	row("role", info.Role)
	row("keys", info.Keys)
	row("repl id", info.Backlog.ReplID)
	row("offset", info.Backlog.Offset)
	row("backlog", fmt.Sprintf("%d/%d from %d", info.Backlog.Entries, info.Backlog.Capacity, info.Backlog.FirstOffset))
	row("replicas", strings.Join(info.Backlog.ReplicaNames, ","))
	if l := info.Link; l != nil {
		status := "down"
		if l.LinkUp {
			status = "up"
		}
		row("link", status)
		row("primary repl id", l.ReplID)
		row("applied offset", l.Offset)
		if !l.LastSyncAt.IsZero() {
			row("last sync", l.LastSyncAt.Format(time.RFC3339))
		}
		if l.LastError != "" {
			row("last error", l.LastError)
		}
	}
	return tw.Flush()
}
