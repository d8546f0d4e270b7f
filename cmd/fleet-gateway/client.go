// ABOUTME: Admin API subcommands: health, agents, sessions and deploy plans
// ABOUTME: Uses the bearer token from FLEET_TOKEN or the token file next to the config

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/deploy"
)

// apiClient calls the gateway's admin API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient() (*apiClient, error) {
	base := os.Getenv("FLEET_GATEWAY_URL")
	if base == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return nil, err
		}
		base = "http://" + cfg.Server.HTTPAddr
	}
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: getToken(),
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func getToken() string {
	if token := os.Getenv("FLEET_TOKEN"); token != "" {
		return token
	}
	data, err := os.ReadFile(filepath.Join(configDir(), "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// get fetches path and decodes a JSON body into out. Non-2xx answers come
// back as errors carrying the server's message.
func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s (status %d)", path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if s, ok := out.(*string); ok {
		*s = string(body)
		return nil
	}
	return json.Unmarshal(body, out)
}

func runHealth(ctx context.Context) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := c.get(ctx, "/health", nil); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}
	color.Green("healthy")

	var ready string
	if err := c.get(ctx, "/health/ready", &ready); err != nil {
		color.Yellow("not ready: %v", err)
		return nil
	}
	fmt.Println(strings.TrimSpace(ready))
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("agents", flag.ContinueOnError)
	guild := fs.String("guild", "", "only agents in this guild")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := newAPIClient()
	if err != nil {
		return err
	}

	path := "/api/agents"
	if *guild != "" {
		path += "?guildId=" + url.QueryEscape(*guild)
	}
	var agents []agent.AgentInfo
	if err := c.get(ctx, path, &agents); err != nil {
		return err
	}

	if len(agents) == 0 {
		fmt.Println("No agents connected.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tVARIANT\tREADY\tGUILDS\tSESSION\tRTT\tSCORE")
	fmt.Fprintln(w, "  --\t-------\t-----\t------\t-------\t---\t-----")
	for _, a := range agents {
		guilds := strconv.Itoa(len(a.Guilds))
		if a.AllGuilds {
			guilds = "all"
		}
		session := "-"
		if a.Lease != nil {
			session = a.Lease.KeyText
		}
		rtt := "-"
		if a.RTT > 0 {
			rtt = a.RTT.Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "  %s\t%s\t%t\t%s\t%s\t%s\t%d\n",
			truncate(a.ID, 24), a.Variant, a.Ready, guilds, session, rtt, a.Score)
	}
	return w.Flush()
}

func runSessions(ctx context.Context) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var leases []agent.Lease
	if err := c.get(ctx, "/api/sessions", &leases); err != nil {
		return err
	}

	if len(leases) == 0 {
		fmt.Println("No active sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  KEY\tAGENT\tOWNER\tBOUND")
	fmt.Fprintln(w, "  ---\t-----\t-----\t-----")
	for _, l := range leases {
		owner := l.Meta.OwnerUserID
		if owner == "" {
			owner = "-"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", l.KeyText, l.AgentID, owner, l.BoundAt.Local().Format("Jan 02 15:04"))
	}
	return w.Flush()
}

func runPlan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	guild := fs.String("guild", "", "guild to plan for")
	desired := fs.Int("desired", 1, "agents wanted in the guild")
	pool := fs.String("pool", "", "restrict invites to this pool")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *guild == "" {
		return errors.New("-guild is required")
	}

	c, err := newAPIClient()
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("guildId", *guild)
	q.Set("desired", strconv.Itoa(*desired))
	if *pool != "" {
		q.Set("poolId", *pool)
	}
	var plan deploy.Plan
	if err := c.get(ctx, "/api/deploy-plan?"+q.Encode(), &plan); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("  Guild %s\n", plan.GuildID)
	fmt.Printf("  present %d, desired %d, needed %d\n", plan.Present, plan.Desired, plan.Needed)
	if plan.PoolOwnerID != "" {
		fmt.Printf("  pool %s owned by %s\n", plan.PoolID, plan.PoolOwnerID)
	}
	fmt.Println()

	for _, inv := range plan.Invites {
		fmt.Printf("  %s  %s\n", color.GreenString(inv.AgentID), inv.InviteURL)
	}
	if plan.Shortfall > 0 {
		color.Yellow("  %d more agent(s) needed than the pool can offer", plan.Shortfall)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
