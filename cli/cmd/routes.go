package cmd

import (
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/backbone/cli/pkg/output"
	"github.com/telhawk-systems/backbone/common/config"
)

type routeView struct {
	Name        string   `yaml:"name" json:"name"`
	Match       string   `yaml:"match" json:"match"`
	Path        string   `yaml:"path" json:"path"`
	Methods     []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	Service     string   `yaml:"service" json:"service"`
	Roles       []string `yaml:"roles,omitempty" json:"roles,omitempty"`
	Anonymous   bool     `yaml:"anonymous,omitempty" json:"anonymous,omitempty"`
	Timeout     string   `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	StripPrefix string   `yaml:"strip_prefix,omitempty" json:"strip_prefix,omitempty"`
}

func routeViews(routes []config.RouteConfig) []routeView {
	out := make([]routeView, 0, len(routes))
	for _, r := range routes {
		v := routeView{
			Name:        r.Name,
			Match:       r.Match,
			Path:        r.Path,
			Methods:     r.Methods,
			Service:     r.Service,
			Roles:       r.Roles,
			Anonymous:   r.Anonymous,
			StripPrefix: r.StripPrefix,
		}
		if r.Timeout > 0 {
			v.Timeout = r.Timeout.String()
		}
		out = append(out, v)
	}
	return out
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the gateway route table",
	Long: `Print the gateway route table as a gateway.routes config section.

Without --server-config the built-in default table is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		routes := config.DefaultRoutes()
		if path, _ := cmd.Flags().GetString("server-config"); path != "" {
			sc, err := config.Load(path)
			if err != nil {
				return err
			}
			routes = sc.Gateway.Routes
		}

		var doc struct {
			Gateway struct {
				Routes []routeView `yaml:"routes" json:"routes"`
			} `yaml:"gateway" json:"gateway"`
		}
		doc.Gateway.Routes = routeViews(routes)
		if outputFormat(cmd) == output.FormatJSON {
			return output.JSON(doc)
		}
		return output.YAML(doc)
	},
}

func init() {
	rootCmd.AddCommand(routesCmd)
	routesCmd.Flags().String("server-config", "", "service config file to read routes from")
}
