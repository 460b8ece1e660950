package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/channels"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/metrics"
)

// statusCmd queries a running gateway's control plane and prints a
// human-readable summary.
func statusCmd() *cobra.Command {
	var (
		baseURL string
		token   string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health and channels of a running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.ResolvePath(cfgFile))
			if err != nil {
				return err
			}
			if baseURL == "" {
				host := cfg.Gateway.Host
				if host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				baseURL = fmt.Sprintf("http://%s:%d", host, cfg.Gateway.Port)
			}
			if token == "" {
				token = cfg.Gateway.Auth.Token
			}

			client := &http.Client{Timeout: 5 * time.Second}

			var health gateway.HealthReport
			if err := fetchJSON(client, baseURL+"/api/health", token, &health); err != nil {
				return fmt.Errorf("gateway unreachable at %s (is it running?): %w", baseURL, err)
			}

			var status struct {
				Version  string          `json:"version"`
				Sessions int             `json:"sessions"`
				Metrics  metrics.Summary `json:"metrics"`
			}
			if err := fetchJSON(client, baseURL+"/api/status", token, &status); err != nil {
				return fmt.Errorf("fetch status: %w", err)
			}

			fmt.Printf("clawgate %s at %s\n", status.Version, baseURL)
			fmt.Printf("status: %s%s  uptime: %s  sessions: %d\n",
				statusIcon(health.Status), health.Status,
				formatUptime(health.UptimeSeconds), status.Sessions)
			fmt.Println()

			printChannels(health.Channels, status.Metrics)
			printChecks(health.Checks)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "", "gateway base URL (default from config)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default from config)")
	return cmd
}

func fetchJSON(client *http.Client, url, token string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printChannels(chs map[string]channels.ChannelStatus, summary metrics.Summary) {
	if len(chs) == 0 {
		fmt.Println("no channels registered")
		fmt.Println()
		return
	}

	keys := make([]string, 0, len(chs))
	for k := range chs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := [][]string{{"CHANNEL", "TYPE", "STATE", "RECV", "SENT", "ERRORS"}}
	for _, key := range keys {
		ch := chs[key]
		state := "stopped"
		if ch.Running {
			state = "running"
		}
		var recv, sent, errs int64
		if cs, ok := summary.Channels[ch.Type]; ok {
			recv, sent, errs = cs.MessagesReceived, cs.MessagesSent, cs.Errors
		}
		rows = append(rows, []string{
			key, ch.Type, state,
			fmt.Sprintf("%d", recv), fmt.Sprintf("%d", sent), fmt.Sprintf("%d", errs),
		})
	}
	printTable(rows)
	fmt.Println()
}

func printChecks(checks []gateway.HealthCheck) {
	for _, c := range checks {
		line := fmt.Sprintf("%s%-11s %s", statusIcon(c.Status), c.Name, c.Message)
		if c.LatencyMS > 0 {
			line += fmt.Sprintf(" (%.1f ms)", c.LatencyMS)
		}
		fmt.Println(line)
	}
}

// printTable renders rows with runewidth-aware column padding so CJK
// channel names and account IDs line up.
func printTable(rows [][]string) {
	if len(rows) == 0 {
		return
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	for _, row := range rows {
		var b strings.Builder
		for i, cell := range row {
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-runewidth.StringWidth(cell)+2))
			}
		}
		fmt.Println(b.String())
	}
}

func statusIcon(status string) string {
	switch status {
	case "healthy":
		return "✅ "
	case "degraded":
		return "⚠️ "
	case "unhealthy":
		return "❌ "
	default:
		return ""
	}
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
