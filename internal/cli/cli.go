// Package cli implements jobctl, a command line client for the jobs service.
//
//	jobctl create --kind run --args "make test" --follow
//	jobctl list
//	jobctl get <id>
//	jobctl cancel <id>
//	jobctl logs <external id>
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"jobengine/internal/config"
	"jobengine/internal/job"
)

type globalOptions struct {
	server     string
	apiKeyFile string
	timeout    time.Duration
	json       bool
}

func (o *globalOptions) client() *Client {
	key := config.GetSecretFile(o.apiKeyFile)
	if key == "" {
		key = config.GetEnv("JOBENGINE_API_KEY", "")
	}
	return NewClient(o.server, key, nil)
}

// BuildCLI builds the jobctl command tree.
func BuildCLI() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "jobctl",
		Short:         "Manage jobs on a jobs service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", config.GetEnv("JOBENGINE_URL", "http://localhost:8080"), "Jobs service base URL")
	rootCmd.PersistentFlags().StringVar(&opts.apiKeyFile, "api-key-file", config.GetEnv("JOBENGINE_API_KEY_FILE", ""), "File holding the API key (falls back to JOBENGINE_API_KEY)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout for non-streaming calls")
	rootCmd.PersistentFlags().BoolVar(&opts.json, "json", false, "Output as JSON")

	rootCmd.AddCommand(
		buildCreateCommand(opts),
		buildListCommand(opts),
		buildGetCommand(opts),
		buildCancelCommand(opts),
		buildLogsCommand(opts),
	)
	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func buildCreateCommand(opts *globalOptions) *cobra.Command {
	var (
		req            job.Request
		kind           string
		callbackURL    string
		callbackEvents []string
		callbackKey    string
		follow         bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Kind = job.Kind(kind)
			if callbackURL != "" {
				req.Callback = &job.Callback{URL: callbackURL, Events: callbackEvents, Key: callbackKey}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			resp, err := opts.client().Create(ctx, &req)
			cancel()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json {
				if err := printJSON(out, resp); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "Created job %s\nDashboard: %s\n", resp.ID, resp.DashboardURL)
			}
			if !follow {
				return nil
			}
			return followLogs(cmd, opts, resp.ExternalID, 0)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(job.KindRun), "Job kind: "+kindList())
	cmd.Flags().StringVar(&req.Title, "title", "", "Job title (default derived from kind and arguments)")
	cmd.Flags().StringVar(&req.Arguments, "args", "", "Argument line passed to the job")
	cmd.Flags().StringToStringVar(&req.Metadata, "meta", nil, "Metadata entries as key=value")
	cmd.Flags().StringVar(&req.ReplyTo, "reply-to", "", "Tracking record to mention the requester on")
	cmd.Flags().StringVar(&callbackURL, "callback-url", "", "Webhook URL for job events")
	cmd.Flags().StringSliceVar(&callbackEvents, "callback-events", nil, "Event types to deliver (default all)")
	cmd.Flags().StringVar(&callbackKey, "callback-key", "", "HMAC key for signing webhooks")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream the job log until it completes")
	return cmd
}

func kindList() string {
	names := make([]string, len(job.Kinds))
	for i, k := range job.Kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func buildListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active jobs, longest running first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			resp, err := opts.client().List(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, resp)
			}
			if len(resp.Jobs) == 0 {
				fmt.Fprintln(out, "No active jobs")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tSTATE\tELAPSED\tTITLE")
			for _, j := range resp.Jobs {
				elapsed := time.Duration(j.ElapsedSeconds * float64(time.Second)).Round(time.Second)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Kind, j.State, elapsed, j.Title)
			}
			return tw.Flush()
		},
	}
}

func buildGetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job_id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			sum, err := opts.client().Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
}

func buildCancelCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job_id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			if err := opts.client().Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s\n", args[0])
			return nil
		},
	}
}

func buildLogsCommand(opts *globalOptions) *cobra.Command {
	var from int64
	cmd := &cobra.Command{
		Use:   "logs <external_id>",
		Short: "Stream a job's log until it completes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return followLogs(cmd, opts, args[0], from)
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "Line position to start from")
	return cmd
}

func followLogs(cmd *cobra.Command, opts *globalOptions, externalID string, from int64) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	outcome, err := opts.client().FollowLogs(ctx, externalID, from, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Job finished: %s\n", outcome)
	if job.Outcome(outcome) != job.OutcomeSucceeded {
		return fmt.Errorf("job %s", outcome)
	}
	return nil
}

// Execute runs jobctl and returns the process exit code.
func Execute() int {
	root := BuildCLI()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
