package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/virtengine/openfleet-sub013/internal/api"
	"github.com/virtengine/openfleet-sub013/internal/util"
)

var cooldownsCmd = &cobra.Command{
	Use:   "cooldowns",
	Short: "Show backends that are cooling down",
	Long: `Show the backends a running 'openfleet serve' is currently routing around
after a rate limit or transient failure.

Cooldowns live in the server's memory, so this command asks the server for
them (default address: server.listen).`,
	RunE: runCooldowns,
}

var (
	cooldownsServer string
	cooldownsJSON   bool
)

func init() {
	rootCmd.AddCommand(cooldownsCmd)

	cooldownsCmd.Flags().StringVar(&cooldownsServer, "server", "", "Server base URL (default: http://<server.listen>)")
	cooldownsCmd.Flags().BoolVar(&cooldownsJSON, "json", false, "Print cooldowns as JSON")
}

func fetchCooldowns(ctx context.Context, base string) ([]api.CooldownStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/v1/cooldowns", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach openfleet server at %s: %w", base, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}

	var out []api.CooldownStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode cooldowns: %w", err)
	}
	return out, nil
}

func runCooldowns(cmd *cobra.Command, args []string) error {
	base := cooldownsServer
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		base = "http://" + cfg.Server.Listen
	}

	cooldowns, err := fetchCooldowns(cmd.Context(), base)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if cooldownsJSON {
		return writeJSON(w, cooldowns)
	}
	if len(cooldowns) == 0 {
		fmt.Fprintln(w, okStyle.Render("No backend is cooling down."))
		return nil
	}

	now := time.Now()
	rows := make([][]string, 0, len(cooldowns))
	for _, c := range cooldowns {
		rows = append(rows, []string{
			c.Backend,
			c.Until.Local().Format(time.Kitchen),
			warnStyle.Render(util.FormatUntil(c.Until, now)),
		})
	}
	renderTable(w, []string{"BACKEND", "UNTIL", "REMAINING"}, rows)
	return nil
}
