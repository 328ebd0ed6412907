package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/poglesbyg/tracseq-gateway/internal/domain"
	"github.com/poglesbyg/tracseq-gateway/internal/sources/services"
)

var (
	servicesFile   string
	servicesOutput string
	servicesRPM    int
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Validate the services file and print the routing table",
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver, err := services.LoadResolver(servicesFile, services.MapperDefaults{RateLimit: servicesRPM})
		if err != nil {
			return err
		}

		switch servicesOutput {
		case "table":
			renderServicesTable(cmd.OutOrStdout(), resolver.Endpoints())
			return nil
		case "json":
			return renderServicesJSON(cmd.OutOrStdout(), resolver.Endpoints())
		default:
			return fmt.Errorf("unsupported output format: %s", servicesOutput)
		}
	},
}

func init() {
	defaultFile := os.Getenv("GATEWAY_SERVICE_FILE")
	if defaultFile == "" {
		defaultFile = "/etc/gateway/services.yaml"
	}
	servicesCmd.Flags().StringVarP(&servicesFile, "file", "f", defaultFile, "services file")
	servicesCmd.Flags().StringVarP(&servicesOutput, "output", "o", "table", "output format: table|json")
	servicesCmd.Flags().IntVar(&servicesRPM, "default-rpm", 100, "rate limit applied when a service sets none")
}

func renderServicesTable(w io.Writer, endpoints []*domain.ServiceEndpoint) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Service", "Prefix", "Upstream", "Rate/min", "Burst", "Timeout", "Auth", "Critical"})

	for _, ep := range endpoints {
		burst := "-"
		if ep.Burst > 0 {
			burst = strconv.Itoa(ep.Burst)
		}
		t.AppendRow(table.Row{
			ep.Name,
			ep.PathPrefix,
			ep.BaseURL.String(),
			ep.RateLimit,
			burst,
			ep.Timeout.String(),
			yesNo(ep.RequireAuth),
			yesNo(ep.Critical),
		})
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d services", len(endpoints)), "", "", "", "", ""})
	t.Render()
}

type serviceRow struct {
	Name        string  `json:"name"`
	PathPrefix  string  `json:"path_prefix"`
	Upstream    string  `json:"upstream"`
	HealthURL   string  `json:"health_url"`
	RateLimit   int     `json:"rate_limit"`
	Burst       int     `json:"burst"`
	Timeout     float64 `json:"timeout_seconds"`
	RequireAuth bool    `json:"require_auth"`
	Critical    bool    `json:"critical"`
}

func renderServicesJSON(w io.Writer, endpoints []*domain.ServiceEndpoint) error {
	rows := make([]serviceRow, 0, len(endpoints))
	for _, ep := range endpoints {
		rows = append(rows, serviceRow{
			Name:        ep.Name,
			PathPrefix:  ep.PathPrefix,
			Upstream:    ep.BaseURL.String(),
			HealthURL:   ep.HealthURL(),
			RateLimit:   ep.RateLimit,
			Burst:       ep.Burst,
			Timeout:     ep.Timeout.Seconds(),
			RequireAuth: ep.RequireAuth,
			Critical:    ep.Critical,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
