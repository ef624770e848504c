package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/ISCPIF/OpenPortability-sub004/cmd/opgraph/internal/config"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/cli"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and clear the local tile store",
}

var cacheKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the valid cached tile keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadService[config.Client](config.ServiceClient)
		if err != nil {
			return err
		}
		store, closeStore, err := openTileStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		keys, err := store.CachedTileKeys(cmd.Context())
		if err != nil {
			return err
		}
		out := make([]string, len(keys))
		for i, k := range keys {
			out[i] = k.String()
		}
		return printResult(cmd, out)
	},
}

var cacheClearAll bool

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove cached tiles",
	Long: `Remove every cached tile. With --all the base node snapshot, the
metadata and the recorded graph version go too.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadService[config.Client](config.ServiceClient)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, closeStore, err := openTileStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		if cacheClearAll {
			if err := store.ClearAll(ctx); err != nil {
				return err
			}
			cli.PrintSuccess(cmd.OutOrStdout(), "Tile store cleared.")
			return nil
		}
		n, err := store.ClearTiles(ctx)
		if err != nil {
			return err
		}
		cli.PrintSuccess(cmd.OutOrStdout(), "Removed %s tiles.", cli.FormatCount(n))
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop expired and stale-version records",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadService[config.Client](config.ServiceClient)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, closeStore, err := openTileStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		n, err := store.Prune(ctx)
		if err != nil {
			return err
		}
		cli.PrintSuccess(cmd.OutOrStdout(), "Pruned %s records.", cli.FormatCount(n))
		return nil
	},
}

type cacheInfo struct {
	GraphVersion string  `json:"graph_version"`
	Tiles        int     `json:"tiles"`
	TileNodes    int     `json:"tile_nodes"`
	BaseNodes    int     `json:"base_nodes"`
	BaseAge      string  `json:"base_age,omitempty"`
	MinDegree    float64 `json:"min_degree"`
}

var cacheInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Summarize the local tile store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadService[config.Client](config.ServiceClient)
		if err != nil {
			return err
		}
		store, closeStore, err := openTileStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		st, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		info := cacheInfo{
			GraphVersion: st.GraphVersion,
			Tiles:        st.Tiles,
			TileNodes:    st.TileNodes,
			BaseNodes:    st.BaseNodes,
			MinDegree:    st.MinDegree,
		}
		if !st.BaseSavedAt.IsZero() {
			info.BaseAge = cli.FormatAge(st.BaseSavedAt.Time(), time.Now())
		}
		return printResult(cmd, info)
	},
}

func init() {
	cacheClearCmd.Flags().BoolVar(&cacheClearAll, "all", false, "also remove base nodes, metadata and the graph version")
	cacheCmd.AddCommand(cacheKeysCmd, cacheClearCmd, cachePruneCmd, cacheInfoCmd)
	rootCmd.AddCommand(cacheCmd)
}
