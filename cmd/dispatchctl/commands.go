package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/podushkina/taskdispatch/internal/api"
	"github.com/podushkina/taskdispatch/internal/client"
	"github.com/podushkina/taskdispatch/internal/task"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("DISPATCHCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "dispatchctl",
		Short:         "Submit and manage background tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("server", "http://localhost:8080", "task dispatch server URL")
	root.PersistentFlags().String("user", "", "caller id sent as "+api.UserHeader)
	_ = v.BindPFlag("server", root.PersistentFlags().Lookup("server"))
	_ = v.BindPFlag("user", root.PersistentFlags().Lookup("user"))

	newClient := func() *client.HTTPClient {
		return client.NewHTTPClient(v.GetString("server"), v.GetString("user"))
	}

	root.AddCommand(
		submitCmd(newClient),
		statusCmd(newClient),
		listCmd(newClient),
		cancelCmd(newClient),
		statsCmd(newClient),
	)
	return root
}

func submitCmd(newClient func() *client.HTTPClient) *cobra.Command {
	var (
		params string
		async  bool
	)
	cmd := &cobra.Command{
		Use:   "submit <kind>",
		Short: "Submit a task; small tasks return their result directly",
		Example: `  dispatchctl submit content-batch-generation --params '{"count":10}'
  dispatchctl submit weekly-report --params @report.json --async`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readParams(params, cmd.InOrStdin())
			if err != nil {
				return err
			}
			out, err := newClient().Submit(cmd.Context(), api.SubmitTaskRequest{
				Kind:   task.Kind(args[0]),
				Params: raw,
				Async:  async,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&params, "params", "p", "", "JSON params, @file to read a file or - for stdin")
	cmd.Flags().BoolVar(&async, "async", false, "always run in the background")
	return cmd
}

func statusCmd(newClient func() *client.HTTPClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task's status and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newClient().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
}

func listCmd(newClient func() *client.HTTPClient) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your pending and running tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := newClient().List(cmd.Context(), all)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Kind, t.Status, t.SubmittedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include finished tasks")
	return cmd
}

func cancelCmd(newClient func() *client.HTTPClient) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Revoke a task that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newClient().Cancel(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "interrupt the task if it is already running")
	return cmd
}

func statsCmd(newClient func() *client.HTTPClient) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth and worker activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newClient().Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
}

func readParams(arg string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	switch {
	case arg == "":
		return nil, nil
	case arg == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read params: %w", err)
		}
		data = b
	case strings.HasPrefix(arg, "@"):
		b, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("read params: %w", err)
		}
		data = b
	default:
		data = []byte(arg)
	}
	if !json.Valid(data) {
		return nil, errors.New("params must be valid JSON")
	}
	return json.RawMessage(data), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
