package commands

import (
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/ISCPIF/OpenPortability-sub004/pkg/consent"
)

const (
	consentLabelsPath = "/api/graph/consent_labels"
	ownLabelPath      = "/api/graph/consent_labels/user"
)

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Read or change your consent level",
	Long: `Read or change the consent level of the account in client.yaml
(twitter_id). Levels:

  no_consent                      label hidden from everyone
  only_to_followers_of_followers  label shown within two follow hops
  all_consent                     label shown to everyone`,
}

var consentGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show your consent record",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadClient()
		if err != nil {
			return err
		}
		if cfg.TwitterID == "" {
			return errors.New("consent: twitter_id is not set in client.yaml")
		}
		var rec map[string]any
		if err := callAPI(cmd.Context(), cfg, http.MethodGet, ownLabelPath, nil, &rec); err != nil {
			return err
		}
		return printResult(cmd, rec)
	},
}

var consentSetCmd = &cobra.Command{
	Use:       "set <level>",
	Short:     "Change your consent level",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(consent.NoConsent), string(consent.FollowersOfFollowers), string(consent.AllConsent)},
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := consent.ParseLevel(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadClient()
		if err != nil {
			return err
		}
		if cfg.TwitterID == "" {
			return errors.New("consent: twitter_id is not set in client.yaml")
		}
		var res map[string]any
		req := consent.UpdateRequest{ConsentLevel: level}
		if err := callAPI(cmd.Context(), cfg, http.MethodPost, consentLabelsPath, req, &res); err != nil {
			return err
		}
		return printResult(cmd, res)
	},
}

var consentLabelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Show the labels visible to you",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadClient()
		if err != nil {
			return err
		}
		var set map[string]any
		if err := callAPI(cmd.Context(), cfg, http.MethodGet, consentLabelsPath, nil, &set); err != nil {
			return err
		}
		return printResult(cmd, set)
	},
}

func init() {
	consentCmd.AddCommand(consentGetCmd, consentSetCmd, consentLabelsCmd)
	rootCmd.AddCommand(consentCmd)
}
