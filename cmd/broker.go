package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/microsoft/RTVS-sub005/internal/config"
	"github.com/microsoft/RTVS-sub005/internal/connections/domain"
	"github.com/microsoft/RTVS-sub005/internal/rhost/broker"
)

var (
	brokerUser    string
	brokerUse     bool
	brokerNoCheck bool
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Manage the brokers R hosts are started through",
}

var brokerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured and remembered brokers",
	Args:  cobra.NoArgs,
	RunE:  runBrokerList,
}

var brokerAddCmd = &cobra.Command{
	Use:   "add NAME URI",
	Short: "Add or update a broker",
	Long: `Add a broker to the config file and the connection history.

A URI that is a path or file:// URL names a local R installation. An
http(s) or ws(s) URL names a remote broker service; its password is read
from RTVS_BROKER_PASSWORD.

Examples:
  rtvs broker add local /usr/lib/R --use
  rtvs broker add lab https://rbroker.example.com:5444 --user alice`,
	Args: cobra.ExactArgs(2),
	RunE: runBrokerAdd,
}

var brokerRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a broker",
	Args:  cobra.ExactArgs(1),
	RunE:  runBrokerRemove,
}

var brokerUseCmd = &cobra.Command{
	Use:   "use NAME",
	Short: "Make a broker the active one",
	Long: `Verify that the broker is reachable and make it the active broker.
A running 'rtvs repl' follows the change.`,
	Args: cobra.ExactArgs(1),
	RunE: runBrokerUse,
}

func init() {
	brokerAddCmd.Flags().StringVarP(&brokerUser, "user", "u", "", "user name for remote brokers")
	brokerAddCmd.Flags().BoolVar(&brokerUse, "use", false, "also make it the active broker")
	brokerUseCmd.Flags().BoolVar(&brokerNoCheck, "no-check", false, "skip the reachability check")

	brokerCmd.AddCommand(brokerListCmd, brokerAddCmd, brokerRemoveCmd, brokerUseCmd)
	rootCmd.AddCommand(brokerCmd)
}

func passwordFromEnv() string {
	return os.Getenv(config.PasswordEnv)
}

type brokerRow struct {
	info     broker.ConnectionInfo
	lastUsed *time.Time
}

// knownBrokers merges the config's brokers with the connection history.
func knownBrokers(ctx context.Context, rt *runtime) ([]brokerRow, error) {
	var rows []brokerRow
	index := make(map[string]int)
	for _, b := range rt.cfg.Brokers {
		index[b.Name] = len(rows)
		rows = append(rows, brokerRow{info: b})
	}
	if rt.conns == nil {
		return rows, nil
	}
	conns, err := rt.conns.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range conns {
		if i, ok := index[c.Name()]; ok {
			rows[i].lastUsed = c.LastUsedAt()
			continue
		}
		rows = append(rows, brokerRow{
			info:     broker.ConnectionInfo{Name: c.Name(), URI: c.URI(), User: c.User()},
			lastUsed: c.LastUsedAt(),
		})
	}
	return rows, nil
}

// findBroker returns the known broker called name, with the password of a
// remote broker taken from the environment.
func findBroker(ctx context.Context, rt *runtime, name string) (broker.ConnectionInfo, error) {
	rows, err := knownBrokers(ctx, rt)
	if err != nil {
		return broker.ConnectionInfo{}, err
	}
	i := slices.IndexFunc(rows, func(r brokerRow) bool { return r.info.Name == name })
	if i < 0 {
		return broker.ConnectionInfo{}, fmt.Errorf("unknown broker %q", name)
	}
	info := rows[i].info
	if info.IsRemote() {
		info.Password = passwordFromEnv()
	}
	return info, nil
}

func runBrokerList(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close(cmd.Context())

	rows, err := knownBrokers(cmd.Context(), rt)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), styled(subtleStyle, "no brokers; add one with 'rtvs broker add NAME URI'"))
		return nil
	}

	t := table.New().
		Border(lipgloss.HiddenBorder()).
		Headers("", "NAME", "KIND", "URI", "USER", "LAST USED").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return subtleStyle.PaddingRight(1)
			}
			return lipgloss.NewStyle().PaddingRight(1)
		})
	for _, r := range rows {
		active := ""
		if r.info.Name == rt.cfg.ActiveBroker {
			active = "*"
		}
		used := "never"
		if r.lastUsed != nil {
			used = r.lastUsed.Local().Format(time.DateTime)
		}
		t.Row(active, r.info.Name, string(r.info.Kind()), r.info.URI, r.info.User, used)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), t.Render())
	return nil
}

func runBrokerAdd(cmd *cobra.Command, args []string) error {
	info := broker.ConnectionInfo{Name: args[0], URI: args[1], User: brokerUser}
	if err := info.Validate(); err != nil {
		return err
	}

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close(cmd.Context())

	brokers := slices.Clone(cfg.Brokers)
	if i := slices.IndexFunc(brokers, func(b broker.ConnectionInfo) bool { return b.Name == info.Name }); i >= 0 {
		brokers[i] = info
	} else {
		brokers = append(brokers, info)
	}
	if err := config.SaveBrokers(cfgPath, brokers); err != nil {
		return err
	}
	if brokerUse {
		if err := config.SaveActiveBroker(cfgPath, info.Name); err != nil {
			return err
		}
	}

	if rt.conns != nil {
		if err := saveConnection(cmd.Context(), rt.conns, info); err != nil {
			return err
		}
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), styled(successStyle, "added broker "+info.String()))
	return nil
}

func saveConnection(ctx context.Context, repo domain.ConnectionRepository, info broker.ConnectionInfo) error {
	c, err := repo.FindByName(ctx, info.Name)
	var notFound *domain.ConnectionNotFoundError
	switch {
	case errors.As(err, &notFound):
		c, err = domain.NewConnection(info.Name, info.URI, info.User)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := c.Update(info.URI, info.User); err != nil {
			return err
		}
	}
	return repo.Save(ctx, c)
}

func runBrokerRemove(cmd *cobra.Command, args []string) error {
	name := args[0]

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close(cmd.Context())

	found := false
	brokers := slices.DeleteFunc(slices.Clone(cfg.Brokers), func(b broker.ConnectionInfo) bool {
		if b.Name == name {
			found = true
			return true
		}
		return false
	})
	if found {
		if err := config.SaveBrokers(cfgPath, brokers); err != nil {
			return err
		}
	}
	if cfg.ActiveBroker == name {
		if err := config.SaveActiveBroker(cfgPath, ""); err != nil {
			return err
		}
	}

	if rt.conns != nil {
		err := rt.conns.Delete(cmd.Context(), name)
		var notFound *domain.ConnectionNotFoundError
		switch {
		case err == nil:
			found = true
		case !errors.As(err, &notFound):
			return err
		}
	}
	if !found {
		return fmt.Errorf("unknown broker %q", name)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "removed broker "+name)
	return nil
}

func runBrokerUse(cmd *cobra.Command, args []string) error {
	name := args[0]

	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close(cmd.Context())

	info, err := findBroker(cmd.Context(), rt, name)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(cfg.Brokers, func(b broker.ConnectionInfo) bool { return b.Name == name }) {
		if err := config.SaveBrokers(cfgPath, append(slices.Clone(cfg.Brokers), info)); err != nil {
			return err
		}
	}

	if brokerNoCheck {
		rt.remember(cmd.Context(), info)
	} else if err := rt.switchTo(cmd.Context(), info); err != nil {
		return err
	}

	if err := config.SaveActiveBroker(cfgPath, name); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), styled(successStyle, "using broker "+info.String()))
	return nil
}
