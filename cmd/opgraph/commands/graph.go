package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/ISCPIF/OpenPortability-sub004/cmd/opgraph/internal/config"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/graph"
	"github.com/ISCPIF/OpenPortability-sub004/pkg/node"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Manage the local follow graph",
}

var graphDir string

var graphImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import accounts and follow edges",
	Long: `Load a YAML or JSON document into the badger follow graph used by
'opgraph serve' when no database_url is configured.

  accounts:
    - {id: "1", label: Alice, username: alice, x: 0.1, y: 0.5, degree: 20}
  edges:
    - {from: "1", to: "2"}                    # follows
    - {from: "3", to: "1", kind: effective}   # recovered follower

Examples:
  opgraph graph import graph.yaml
  opgraph graph import --dir /var/lib/opgraph/graph graph.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := graphDir
		if dir == "" {
			cfg, err := loadService[config.Server](config.ServiceServer)
			if err != nil {
				return err
			}
			dir = cfg.GraphDir
		}
		if dir == "" {
			return fmt.Errorf("graph: set graph_dir in server.yaml or pass --dir")
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var doc graphDocument
		// goccy/go-yaml reads JSON documents as well.
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("graph: parse %s: %w", args[0], err)
		}

		g, closeGraph, err := openGraph(dir)
		if err != nil {
			return err
		}
		defer closeGraph()
		res, err := doc.importInto(cmd.Context(), g)
		if err != nil {
			return err
		}
		return printResult(cmd, res)
	},
}

func init() {
	graphImportCmd.Flags().StringVar(&graphDir, "dir", "", "badger directory (default: server.yaml graph_dir)")
	graphCmd.AddCommand(graphImportCmd)
	rootCmd.AddCommand(graphCmd)
}

type graphDocument struct {
	Accounts []importedAccount `yaml:"accounts"`
	Edges    []graph.Edge      `yaml:"edges"`
}

type importedAccount struct {
	ID          node.ID   `yaml:"id"`
	Label       string    `yaml:"label"`
	Username    string    `yaml:"username"`
	Description string    `yaml:"description"`
	X           float64   `yaml:"x"`
	Y           float64   `yaml:"y"`
	Community   int       `yaml:"community"`
	Degree      float64   `yaml:"degree"`
	Tier        int       `yaml:"tier"`
	Type        node.Type `yaml:"node_type"`
}

type importResult struct {
	Accounts int `json:"accounts"`
	Edges    int `json:"edges"`
}

func (d *graphDocument) importInto(ctx context.Context, g graph.Graph) (*importResult, error) {
	res := &importResult{}
	for _, a := range d.Accounts {
		if a.Type == "" {
			a.Type = node.TypeGeneric
		}
		acc := graph.Account{
			Node: node.Node{
				ID:          a.ID,
				Label:       a.Label,
				Description: a.Description,
				X:           a.X,
				Y:           a.Y,
				Community:   a.Community,
				Degree:      a.Degree,
				Tier:        a.Tier,
				Type:        a.Type,
			},
			Username: a.Username,
		}
		if err := g.SetAccount(ctx, acc); err != nil {
			return res, fmt.Errorf("graph: account %s: %w", a.ID, err)
		}
		res.Accounts++
	}
	for _, e := range d.Edges {
		if e.Kind == "" {
			e.Kind = graph.Follows
		}
		if err := g.AddEdge(ctx, e); err != nil {
			return res, fmt.Errorf("graph: edge %s->%s: %w", e.From, e.To, err)
		}
		res.Edges++
	}
	return res, nil
}
