package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/christopher-igweze/clarity-check/internal/exitcode"
	"github.com/christopher-igweze/clarity-check/internal/log"
	"github.com/christopher-igweze/clarity-check/internal/probe"
	"github.com/christopher-igweze/clarity-check/internal/sse"
	"github.com/christopher-igweze/clarity-check/internal/stream"
)

var watchCmd = &cobra.Command{
	Use:   "watch <repo-url>",
	Short: "Start a probe on a remote clarity server and follow its events",
	Long: `Open POST <server>/v1/probes and render the event stream as it arrives.
The stream ends at [DONE], at a terminal event type (stream.terminal_types in
the config) or when the connection closes.

A bearer token is sent when --token-env names a non-empty variable.

Example:
  clarity watch https://github.com/acme/api --server http://clarity.internal:8080`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var (
	watchServer   string
	watchRef      string
	watchTokenEnv string
	watchVerbose  bool
)

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "http://localhost:8080", "clarity server base URL")
	watchCmd.Flags().StringVar(&watchRef, "ref", "", "branch, tag or commit to check out")
	watchCmd.Flags().StringVar(&watchTokenEnv, "token-env", "CLARITY_API_TOKEN", "environment variable holding the server's bearer token")
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "show the stderr tail of failed steps")

	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	req := probe.Request{RepoURL: args[0], Ref: watchRef}
	if err := req.Validate(); err != nil {
		return err
	}

	client := stream.NewClient(
		stream.WithTerminalTypes(cfg.Stream.TerminalTypes...),
		stream.WithLogger(log.DefaultLogger()),
	)
	w := &watcher{printer: &eventPrinter{w: cmd.OutOrStdout(), verbose: watchVerbose}}
	return w.watch(cmd.Context(), client, stream.Request{
		URL:   strings.TrimRight(watchServer, "/") + "/v1/probes",
		Body:  req,
		Token: strings.TrimSpace(os.Getenv(watchTokenEnv)),
		Header: http.Header{
			"Accept": []string{"text/event-stream"},
		},
	})
}

// watcher renders a remote stream and remembers what it saw.
type watcher struct {
	printer *eventPrinter

	summary *probe.RunSummary
	failed  bool
}

func (w *watcher) watch(ctx context.Context, client *stream.Client, req stream.Request) error {
	err := client.Open(ctx, req, w.onEvent, nil)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch {
	case w.failed:
		return exitcode.WithCode(exitcode.ProbeFailed, fmt.Errorf("remote probe reported an error"))
	case w.summary == nil:
		return exitcode.WithCode(exitcode.ProbeFailed, fmt.Errorf("stream ended without a summary"))
	case !w.summary.Healthy():
		return exitcode.WithCode(exitcode.ProbeFailed, fmt.Errorf("remote probe did not pass"))
	}
	return nil
}

func (w *watcher) onEvent(ev sse.Event) {
	e := probe.Classify(ev)
	switch v := e.(type) {
	case probe.RunSummary:
		w.summary = &v
	case probe.ProbeError:
		w.failed = true
	}
	_ = w.printer.Emit(e)
}
