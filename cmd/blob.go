package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
	"github.com/microsoft/RTVS-sub005/internal/rhost/session"
	"github.com/microsoft/RTVS-sub005/internal/rhost/transfer"
)

const blobPlaceholder = "{blob}"

var (
	blobExpr    string
	blobSession string
	blobOutput  string
)

var blobCmd = &cobra.Command{
	Use:   "blob",
	Short: "Move files to and from an R host",
}

var blobPutCmd = &cobra.Command{
	Use:   "put FILE",
	Short: "Upload a file as a blob, optionally evaluating an expression on it",
	Long: `Upload FILE to the R host as a blob and print its id. With --expr, the
expression is evaluated with {blob} replaced by the blob id and its result
printed. The blob is destroyed when the command ends.

Example:
  rtvs blob put data.rds --expr "df <- rtvs:::unserialize_blob({blob})"`,
	Args: cobra.ExactArgs(1),
	RunE: runBlobPut,
}

var blobGetCmd = &cobra.Command{
	Use:   "get OUT",
	Short: "Evaluate an expression that returns a blob id and save the blob",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlobGet,
}

var plotCmd = &cobra.Command{
	Use:   "plot EXPR",
	Short: "Evaluate a plotting expression and save the last plot",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlot,
}

func init() {
	for _, c := range []*cobra.Command{blobPutCmd, blobGetCmd, plotCmd} {
		c.Flags().StringVarP(&blobSession, "session", "s", "rtvs", "session name")
	}
	blobPutCmd.Flags().StringVarP(&blobExpr, "expr", "e", "", "expression to evaluate; {blob} is replaced by the blob id")
	blobGetCmd.Flags().StringVarP(&blobExpr, "expr", "e", "", "expression returning a blob id (required)")
	_ = blobGetCmd.MarkFlagRequired("expr")
	plotCmd.Flags().StringVarP(&blobOutput, "output", "o", "plot.png", "file to write the plot to")

	blobCmd.AddCommand(blobPutCmd, blobGetCmd)
	rootCmd.AddCommand(blobCmd, plotCmd)
}

// withTransfer starts a session and a transfer session over it, runs fn and
// cleans up temporary blobs.
func withTransfer(cmd *cobra.Command, con *console, fn func(ctx context.Context, s *session.Session, ts *transfer.Session) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close(context.WithoutCancel(ctx))

	s, err := rt.startSession(ctx, blobSession, con)
	if err != nil {
		return err
	}
	ts := transfer.New(s, transfer.WithChunkSize(rt.cfg.Transfer.ChunkSize), transfer.WithTracer(rt.tracing.Tracer()))
	defer func() { _ = ts.Close(context.WithoutCancel(ctx)) }()

	return fn(ctx, s, ts)
}

func runBlobPut(cmd *cobra.Command, args []string) error {
	con := newConsole(cmd.OutOrStdout(), cmd.ErrOrStderr(), nil)
	return withTransfer(cmd, con, func(ctx context.Context, s *session.Session, ts *transfer.Session) error {
		blob, err := ts.SendFile(ctx, args[0], true, nil)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", styled(subtleStyle, fmt.Sprintf("blob %d: %d bytes", blob.ID, blob.Size)))
		if blobExpr == "" {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), blob.ID)
			return nil
		}

		expr := strings.ReplaceAll(blobExpr, blobPlaceholder, strconv.FormatUint(blob.ID, 10))
		raw, err := s.Evaluate(ctx, expr, protocol.KindNormal)
		if err != nil {
			return err
		}
		if len(raw) > 0 && string(raw) != "null" {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		}
		return nil
	})
}

func runBlobGet(cmd *cobra.Command, args []string) error {
	con := newConsole(cmd.OutOrStdout(), cmd.ErrOrStderr(), nil)
	return withTransfer(cmd, con, func(ctx context.Context, s *session.Session, ts *transfer.Session) error {
		id, err := session.Evaluate[uint64](ctx, s, blobExpr, protocol.KindNormal)
		if err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				return fmt.Errorf("%q did not return a blob id: %w", blobExpr, err)
			}
			return err
		}
		return fetchTo(ctx, cmd, ts, id, args[0])
	})
}

func runPlot(cmd *cobra.Command, args []string) error {
	con := newConsole(cmd.OutOrStdout(), cmd.ErrOrStderr(), nil)
	return withTransfer(cmd, con, func(ctx context.Context, s *session.Session, ts *transfer.Session) error {
		if _, err := s.Evaluate(ctx, args[0], protocol.KindNormal); err != nil {
			return err
		}
		id, ok := con.lastPlot()
		if !ok {
			return fmt.Errorf("%q produced no plot", args[0])
		}
		return fetchTo(ctx, cmd, ts, id, blobOutput)
	})
}

func fetchTo(ctx context.Context, cmd *cobra.Command, ts *transfer.Session, id uint64, path string) error {
	n, err := ts.FetchFile(ctx, id, path)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), styled(successStyle, fmt.Sprintf("wrote %d bytes to %s", n, path)))
	return nil
}
