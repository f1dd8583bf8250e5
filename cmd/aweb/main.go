package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/beadhub/aweb/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aweb",
	Short: "aweb coordination CLI",
	Long: `aweb is the command-line interface for the aweb coordination service.

It registers agent identities, sends mail and chat between teammates, and
manages resource reservations. Credentials are stored in ~/.aweb/config.yaml
by 'aweb init'.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".aweb"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.aweb/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "aweb service URL (default http://localhost:8080)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(ackCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(reserveCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(reservationsCmd)
	rootCmd.AddCommand(versionCmd)
}

// newClient builds an SDK client with the stored API key, failing when no
// credential exists yet.
func newClient() (*client.Client, error) {
	apiKey := viper.GetString("api_key")
	if env := os.Getenv("AWEB_API_KEY"); env != "" {
		apiKey = env
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key configured — run 'aweb init' first or set AWEB_API_KEY")
	}
	return client.New(serverURL, client.WithAPIKey(apiKey)), nil
}

// ── init ─────────────────────────────────────────────────────────────────────

var (
	initProject   string
	initAlias     string
	initHumanName string
	initEphemeral bool
	initCustody   string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Register (or re-attach to) an agent identity",
	Long: `init bootstraps an identity on the service and stores the returned API key
in ~/.aweb/config.yaml. Without --alias the service allocates a memorable one
(BlueLake, RedPine, ...). Re-running with the same alias re-attaches and
issues a fresh key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(serverURL)
		res, err := c.Init(context.Background(), client.InitRequest{
			ProjectSlug: initProject,
			Alias:       initAlias,
			HumanName:   initHumanName,
			Custody:     initCustody,
			Lifetime: func() string {
				if initEphemeral {
					return "ephemeral"
				}
				return ""
			}(),
		})
		if err != nil {
			return err
		}

		if err := saveConfig(res.APIKey); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		verb := "Re-attached to"
		if res.Created {
			verb = "Registered"
		}
		fmt.Printf("✓ %s agent %s in project %s\n", verb, res.Alias, res.ProjectSlug)
		if res.DID != "" {
			fmt.Printf("  DID: %s\n", res.DID)
		}
		fmt.Println("  API key saved to ~/.aweb/config.yaml")
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initProject, "project", "", "Project slug, e.g. acme/checkout")
	initCmd.Flags().StringVar(&initAlias, "alias", "", "Requested alias (service allocates one when empty)")
	initCmd.Flags().StringVar(&initHumanName, "human", "", "Human operator name")
	initCmd.Flags().BoolVar(&initEphemeral, "ephemeral", false, "Register as an ephemeral (task-scoped) agent")
	initCmd.Flags().StringVar(&initCustody, "custody", "", "Key custody: custodial (default) or self")
	_ = initCmd.MarkFlagRequired("project")
}

func saveConfig(apiKey string) error {
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		dir := filepath.Join(home, ".aweb")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
		cfgFile = filepath.Join(dir, "config.yaml")
	}
	content := fmt.Sprintf("server_url: %s\napi_key: %s\n", serverURL, apiKey)
	return os.WriteFile(cfgFile, []byte(content), 0o600)
}

// ── whoami ───────────────────────────────────────────────────────────────────

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the identity behind the stored credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ident, err := c.WhoAmI(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Project: %s\n", ident.ProjectSlug)
		if ident.Alias != "" {
			fmt.Printf("Alias:   %s\n", ident.Alias)
		}
		fmt.Printf("Mode:    %s\n", ident.Mode)
		return nil
	},
}

// ── send / inbox / ack ───────────────────────────────────────────────────────

var (
	sendSubject  string
	sendPriority string
)

var sendCmd = &cobra.Command{
	Use:   "send <alias> <body>",
	Short: "Send mail to a teammate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		msg, err := c.SendMessage(context.Background(), client.SendMessageRequest{
			To: args[0], Subject: sendSubject, Body: args[1], Priority: sendPriority,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Delivered (message_id %s)\n", msg.ID)
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "Message subject")
	sendCmd.Flags().StringVar(&sendPriority, "priority", "", "low, normal, high, or urgent")
}

var inboxAll bool

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List unread mail",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		items, err := c.Inbox(context.Background(), !inboxAll, 0)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("Inbox is empty.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFROM\tPRIORITY\tSUBJECT\tBODY")
		for _, m := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				m.ID, m.FromAlias, m.Priority, m.Subject, truncate(m.Body, 60))
		}
		return w.Flush()
	},
}

func init() {
	inboxCmd.Flags().BoolVar(&inboxAll, "all", false, "Include already-acknowledged mail")
}

var ackCmd = &cobra.Command{
	Use:   "ack <message-id>",
	Short: "Acknowledge a mail item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.AckMessage(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Println("✓ Acknowledged")
		return nil
	},
}

// ── chat ─────────────────────────────────────────────────────────────────────

var chatWaitSec int

var chatCmd = &cobra.Command{
	Use:   "chat <alias>[,<alias>...] <message>",
	Short: "Send a chat message, optionally waiting for a reply",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		to := splitAliases(args[0])
		res, err := c.ChatOpen(ctx, to, args[1], chatWaitSec > 0)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Sent to session %s\n", res.SessionID)
		if len(res.TargetsWaiting) > 0 {
			fmt.Printf("  Live now: %v\n", res.TargetsWaiting)
		}
		if chatWaitSec <= 0 {
			return nil
		}

		fmt.Printf("  Waiting up to %ds for a reply...\n", chatWaitSec)
		deadline := time.Now().Add(time.Duration(chatWaitSec) * time.Second)
		for time.Now().Before(deadline) {
			time.Sleep(2 * time.Second)
			replies, err := c.ChatHistory(ctx, res.SessionID, true, 50)
			if err != nil {
				return err
			}
			if len(replies) == 0 {
				continue
			}
			for _, m := range replies {
				fmt.Printf("[%s] %s\n", m.FromAlias, m.Body)
			}
			_, err = c.ChatMarkRead(ctx, res.SessionID, replies[len(replies)-1].ID)
			return err
		}
		fmt.Println("No reply before the deadline.")
		return nil
	},
}

func init() {
	chatCmd.Flags().IntVar(&chatWaitSec, "wait", 0, "Seconds to wait for a reply (0 = don't wait)")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show sessions with unread chat and the unread mail count",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.ChatPending(context.Background())
		if err != nil {
			return err
		}
		if res.MailUnread > 0 {
			fmt.Printf("Unread mail: %d\n", res.MailUnread)
		}
		if len(res.Pending) == 0 {
			fmt.Println("No chat waiting.")
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Pending)
	},
}

// ── reservations ─────────────────────────────────────────────────────────────

var reserveTTL int

var reserveCmd = &cobra.Command{
	Use:   "reserve <resource-key>",
	Short: "Take an advisory TTL lease on a resource key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Reserve(context.Background(), args[0], reserveTTL)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Reserved %s until %s\n", res.ResourceKey, res.ExpiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	reserveCmd.Flags().IntVar(&reserveTTL, "ttl", 0, "Lease seconds (default 300, clamped to 60–3600)")
}

var releaseCmd = &cobra.Command{
	Use:   "release <resource-key>",
	Short: "Release a lease",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.ReleaseReservation(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Println("✓ Released")
		return nil
	},
}

var reservationsPrefix string

var reservationsCmd = &cobra.Command{
	Use:   "reservations",
	Short: "List active leases in the project",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		list, err := c.ListReservations(context.Background(), reservationsPrefix)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No active reservations.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tHOLDER\tEXPIRES")
		for _, r := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.ResourceKey, r.HolderAlias, r.ExpiresAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	reservationsCmd.Flags().StringVar(&reservationsPrefix, "prefix", "", "Filter by key prefix")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("aweb %s\n", version)
	},
}

// ── helpers ──────────────────────────────────────────────────────────────────

func splitAliases(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
