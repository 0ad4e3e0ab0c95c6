package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
)

var (
	evalSession   string
	evalReentrant bool
	evalYes       bool
	evalTimeout   time.Duration
)

var evalCmd = &cobra.Command{
	Use:   "eval EXPR...",
	Short: "Evaluate R expressions and print their results as JSON",
	Long: `Start an R host on the active broker, evaluate each expression in order
and print each result as JSON. Console output of the expressions is
written as it arrives.

Examples:
  rtvs eval "1 + 1"
  rtvs eval "x <- 2" "x * 21"
  rtvs eval --yes "askYesNo('Overwrite?')"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEval,
}

func init() {
	evalCmd.Flags().StringVarP(&evalSession, "session", "s", "rtvs", "session name")
	evalCmd.Flags().BoolVar(&evalReentrant, "reentrant", false, "evaluate without waiting for the top-level prompt")
	evalCmd.Flags().BoolVarP(&evalYes, "yes", "y", false, "answer yes to host dialogs")
	evalCmd.Flags().DurationVar(&evalTimeout, "timeout", 0, "give up after this long (0 waits forever)")
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	if evalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, evalTimeout)
		defer cancel()
	}

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close(context.WithoutCancel(ctx))

	con := newConsole(cmd.OutOrStdout(), cmd.ErrOrStderr(), evalAsker(cmd.InOrStdin(), cmd.ErrOrStderr(), evalYes))
	s, err := rt.startSession(ctx, evalSession, con)
	if err != nil {
		return err
	}

	kind := protocol.KindNormal
	if evalReentrant {
		kind = protocol.KindReentrant
	}
	for _, expr := range args {
		raw, err := s.Evaluate(ctx, expr, kind)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				_ = s.CancelAll(context.WithoutCancel(ctx))
			}
			return err
		}
		if len(raw) > 0 && string(raw) != "null" {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(raw))
		}
	}
	return nil
}

// evalAsker answers dialogs from r, or with yes when auto is set.
func evalAsker(r io.Reader, w io.Writer, auto bool) asker {
	if auto {
		return func(context.Context, string) (string, error) { return "y", nil }
	}
	lines := bufio.NewScanner(r)
	return func(ctx context.Context, prompt string) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		_, _ = io.WriteString(w, prompt)
		if !lines.Scan() {
			if err := lines.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return strings.TrimSpace(lines.Text()), nil
	}
}
