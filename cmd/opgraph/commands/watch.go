package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/broadcast"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/cli"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/consent"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/jsontime"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/labels"
)

var (
	watchSince  uint64
	watchNoSeed bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the label change feed",
	Long: `Seed a label map from the consent labels endpoint, then follow the
websocket change feed and print every event. Events that lost to a newer
write are shown dimmed. Interrupt to print a summary.

With -o json every event is printed as a JSON object instead.

Examples:
  opgraph watch
  opgraph watch --since 1200
  opgraph watch -o json --jq 'select(.action == "add") | .coord_hash'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadClient()
		if err != nil {
			return err
		}
		format, err := cli.ParseFormat(outputFormat)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := labels.NewMap()
		if !watchNoSeed {
			at := jsontime.NowMilli()
			var set consent.LabelSet
			if err := callAPI(ctx, cfg, http.MethodGet, consentLabelsPath, nil, &set); err != nil {
				return err
			}
			m.Seed(set.LabelMap, at)
		}

		out := cmd.OutOrStdout()
		styles := cli.NewStyles(cli.DefaultTheme)
		sub := &labels.Subscriber{
			URL:    wsURL(cfg.Server),
			Header: authHeader(cfg),
			Map:    m,
			OnEvent: func(e broadcast.Event, changed bool) {
				if format == cli.FormatJSON {
					if err := cli.Output(e, cli.OutputOptions{Format: format, JQ: jqExpr, Writer: out}); err != nil {
						cli.PrintWarning(cmd.ErrOrStderr(), "%v", err)
					}
					return
				}
				fmt.Fprintln(out, styles.EventLine(e, changed))
			},
		}
		if watchSince > 0 {
			sub.ResumeFrom(watchSince)
		}

		err = sub.Run(ctx)
		if format != cli.FormatJSON {
			fmt.Fprintln(out, styles.Summary(len(m.Labels()), len(m.NodeTypes()), sub.LastID()))
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	watchCmd.Flags().Uint64Var(&watchSince, "since", 0, "replay events after this id")
	watchCmd.Flags().BoolVar(&watchNoSeed, "no-seed", false, "do not load the current labels first")
	rootCmd.AddCommand(watchCmd)
}
