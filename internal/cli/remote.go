package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"georeg/internal/config"
	"georeg/internal/grpcserver"
	"georeg/internal/watch"
)

type jobsClient interface {
	Submit(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type dialFunc func(cfg config.Client) (jobsClient, io.Closer, error)

func defaultDial(cfg config.Client) (jobsClient, io.Closer, error) {
	client, conn, err := grpcserver.Dial(cfg)
	if err != nil {
		return nil, nil, err
	}
	return client, conn, nil
}

func newSubmitCmd(root *Root) *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)
	clientCfg := root.cfg.Client

	cmd := &cobra.Command{
		Use:   "submit <manifest>",
		Short: "Send a job manifest to a remote georeg gRPC server",
		Long: `Read a YAML or JSON job manifest (the same format the inbox watcher
accepts) and submit it to a running "georeg serve" over gRPC. With --wait
the command blocks until the job finishes and prints its result.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := manifestRequest(args[0], wait)
			if err != nil {
				return err
			}
			client, closer, err := root.dialFn(clientCfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx := cmdContext(cmd)
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			out, err := client.Submit(ctx, req)
			if err != nil {
				return fmt.Errorf("submit to %s: %w", clientCfg.Addr, err)
			}
			reply := out.AsMap()
			enc := json.NewEncoder(root.out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(reply); err != nil {
				return err
			}
			if msg, _ := reply["error"].(string); msg != "" {
				return fmt.Errorf("job %v failed: %s", reply["jobId"], msg)
			}
			return nil
		},
	}
	cmd.Flags().SetNormalizeFunc(legacyFlagNames)
	cmd.Flags().StringVar(&clientCfg.Addr, "server", clientCfg.Addr, "gRPC server address")
	cmd.Flags().BoolVar(&clientCfg.Insecure, "insecure", clientCfg.Insecure, "disable TLS")
	cmd.Flags().StringVar(&clientCfg.CACert, "ca-cert", clientCfg.CACert, "CA bundle to verify the server")
	cmd.Flags().StringVar(&clientCfg.CertFile, "cert", clientCfg.CertFile, "client certificate")
	cmd.Flags().StringVar(&clientCfg.KeyFile, "key", clientCfg.KeyFile, "client key")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the job finishes")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}

// manifestRequest validates a manifest locally and encodes it as a
// georeg.v1.Jobs Submit request.
func manifestRequest(path string, wait bool) (*structpb.Struct, error) {
	m, err := watch.ParseManifest(path)
	if err != nil {
		return nil, err
	}
	job, err := m.Job()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Type, m.JobID = string(job.Type), job.ID

	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields["scale"] == nil {
		delete(fields, "scale")
	}
	if fields["aoi"] == nil {
		delete(fields, "aoi")
	}
	fields["wait"] = wait
	return structpb.NewStruct(fields)
}
