package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v3"

	"github.com/tgifai/nudge/internal/config"
	"github.com/tgifai/nudge/internal/consts"
	"github.com/tgifai/nudge/internal/pkg/logs"
	"github.com/tgifai/nudge/internal/pkg/utils"
	"github.com/tgifai/nudge/internal/userdata"
)

var initHwd = &InitRunner{}

type InitRunner struct {
	scanner *bufio.Scanner
}

func (r *InitRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:   "init",
		Usage:  "Interactive setup: write a config and a first user profile",
		Flags:  []cli.Flag{configFlag()},
		Action: r.run,
	}
}

// ── style helpers ──────────────────────────────────────────────────

var (
	cBanner  = color.New(color.FgCyan, color.Bold)
	cStep    = color.New(color.FgCyan, color.Bold)
	cWarn    = color.New(color.FgYellow)
	cSuccess = color.New(color.FgGreen)
	cError   = color.New(color.FgRed)
	cPrompt  = color.New(color.FgWhite, color.Bold)
	cDim     = color.New(color.FgHiBlack)
)

// ── channel metadata ───────────────────────────────────────────────

type channelPrompt struct {
	Key      string
	Label    string
	Required bool
}

type channelMeta struct {
	Type        string
	AddressHint string
	Prompts     []channelPrompt
}

var channelOptions = []channelMeta{
	{
		Type:        "telegram",
		AddressHint: "Your Telegram chat id",
		Prompts:     []channelPrompt{{Key: "token", Label: "Telegram Bot Token", Required: true}},
	},
	{
		Type:        "lark",
		AddressHint: "Your Lark open_id",
		Prompts: []channelPrompt{
			{Key: "app_id", Label: "Lark App ID", Required: true},
			{Key: "app_secret", Label: "Lark App Secret", Required: true},
		},
	},
	{
		Type:        "http",
		AddressHint: "Chat id your HTTP client will use",
		Prompts:     []channelPrompt{{Key: "webhook_url", Label: "Outbound webhook URL (empty keeps an outbox)"}},
	},
}

// ── main flow ──────────────────────────────────────────────────────

func (r *InitRunner) run(_ context.Context, cmd *cli.Command) error {
	r.scanner = bufio.NewScanner(os.Stdin)

	fmt.Println()
	cBanner.Println("  nudge")
	cDim.Println("  Reminders and check-ins over the chat apps you already use")
	fmt.Println()

	cfgPath := configPath(cmd)
	if _, err := os.Stat(cfgPath); err == nil {
		cWarn.Printf("  Config already exists at %s\n", cfgPath)
		if !r.confirm("  Overwrite existing config?", false) {
			fmt.Println("  Aborted.")
			return nil
		}
		fmt.Println()
	}

	dataDir := r.stepDataDir()
	channelID, chCfg, cm := r.stepChannel()
	userID, profile := r.stepUser(channelID, cm)

	return r.stepConfirm(cfgPath, dataDir, channelID, chCfg, userID, profile)
}

// ── step 1: data dir ───────────────────────────────────────────────

func (r *InitRunner) stepDataDir() string {
	r.printStepHeader("Step 1", "Data directory")

	cDim.Println("  Profiles, message pools, job tables and audit logs live here.")
	fmt.Println()
	dir := r.promptDefault("  Data directory", consts.DefaultDataDir())
	fmt.Println()

	cSuccess.Printf("  ✓ Data: %s\n\n", dir)
	return dir
}

// ── step 2: channel ────────────────────────────────────────────────

func (r *InitRunner) stepChannel() (string, config.ChannelConfig, channelMeta) {
	r.printStepHeader("Step 2", "Channel")

	cDim.Println("  Select channel type:")
	for i, ch := range channelOptions {
		fmt.Printf("    [%d] %s\n", i+1, ch.Type)
	}
	fmt.Println()

	idx := r.promptChoice("  Channel type", 1, len(channelOptions))
	cm := channelOptions[idx-1]
	channelID := r.promptDefault("  Channel id", cm.Type+"-main")
	fmt.Println()

	chConfig := make(map[string]interface{})
	for _, p := range cm.Prompts {
		var val string
		if p.Required {
			val = r.promptRequired("  " + p.Label)
		} else {
			val = r.promptDefault("  "+p.Label, "")
		}
		if val != "" {
			chConfig[p.Key] = val
		}
		fmt.Println()
	}
	if cm.Type == "http" {
		chConfig["api_key"] = utils.RandStr(32)
		cDim.Println("  Generated an API key for inbound requests (see config).")
		fmt.Println()
	}

	chCfg := config.ChannelConfig{
		Type:    cm.Type,
		Enabled: true,
		Config:  chConfig,
	}

	cSuccess.Printf("  ✓ Channel: %s (%s)\n\n", channelID, cm.Type)
	return channelID, chCfg, cm
}

// ── step 3: first user ─────────────────────────────────────────────

func (r *InitRunner) stepUser(channelID string, cm channelMeta) (string, *userdata.Profile) {
	r.printStepHeader("Step 3", "First user")

	userID := r.promptDefault("  User id", "me")
	address := r.promptRequired("  " + cm.AddressHint)
	timezone := r.promptDefault("  Timezone", "UTC")
	fmt.Println()

	enabled := true
	profile := &userdata.Profile{
		ID:             userID,
		Timezone:       timezone,
		DefaultChannel: channelID,
		Addresses:      map[string]string{channelID: address},
		Periods: map[string]string{
			"morning": "08:00-10:00",
			"evening": "19:00-21:00",
		},
		Categories: []userdata.CategorySchedule{
			{Name: "wellness", Schedule: userdata.Schedule{Periods: []string{"morning"}}},
		},
		CheckIn:       &userdata.Schedule{Periods: []string{"evening"}, Enabled: &enabled},
		TaskReminders: &userdata.Schedule{Cron: "0 9 * * 1-5", Enabled: &enabled},
	}

	cSuccess.Printf("  ✓ User: %s (%s on %s)\n\n", userID, address, channelID)
	return userID, profile
}

// ── step 4: confirm & write ────────────────────────────────────────

func (r *InitRunner) stepConfirm(
	cfgPath, dataDir string,
	channelID string, chCfg config.ChannelConfig,
	userID string, profile *userdata.Profile,
) error {
	r.printStepHeader("Step 4", "Review")

	cDim.Printf("  Config file:  %s\n", cfgPath)
	cDim.Printf("  Data dir:     %s\n", dataDir)
	cDim.Printf("  Channel:      %s (%s)\n", channelID, chCfg.Type)
	cDim.Printf("  User:         %s\n", userID)
	fmt.Println()

	if !r.confirm("  Write config and sample user data?", true) {
		fmt.Println("  Aborted.")
		return nil
	}
	fmt.Println()

	cfg := &config.Config{
		Service: config.ServiceConfig{DataDir: dataDir},
		Logging: config.LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "both",
			File:       logs.DefaultLogFile(),
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     7,
		},
		Channels: map[string]config.ChannelConfig{channelID: chCfg},
	}

	if err := config.Init(cfgPath, cfg); err != nil {
		cError.Printf("  ✗ Invalid config: %v\n", err)
		return err
	}
	if err := config.Save(); err != nil {
		cError.Printf("  ✗ Failed to write config: %v\n", err)
		return err
	}
	cSuccess.Printf("  ✓ Created %s\n", cfgPath)

	if err := seedUser(cfg.Service.DataDir, userID, profile); err != nil {
		cError.Printf("  ✗ Failed to write user data: %v\n", err)
		return err
	}
	cSuccess.Printf("  ✓ Wrote profile, messages and tasks for %s\n", userID)

	fmt.Println()
	cSuccess.Println("  All set! Run \"nudge serve run\" to start.")
	fmt.Println()
	return nil
}

// seedUser writes a starter profile plus sample pools unless the user already
// has a profile.
func seedUser(dataDir, userID string, profile *userdata.Profile) error {
	store := userdata.NewFileStore(dataDir)
	if _, err := store.Profile(userID); err == nil {
		cWarn.Printf("  ⚠ Profile for %s already exists, leaving it untouched\n", userID)
		return nil
	}

	if err := store.SaveProfile(userID, profile); err != nil {
		return err
	}
	if err := store.SaveMessages(userID, "wellness", []userdata.Message{
		{ID: "water", Text: "Drink a glass of water."},
		{ID: "stretch", Text: "Stand up and stretch for a minute.", Periods: []string{"morning"}},
		{ID: "walk", Text: "A short walk after lunch helps the afternoon.", Days: []string{"mon", "wed", "fri"}},
	}); err != nil {
		return err
	}
	return store.SaveTasks(userID, []userdata.Task{
		{ID: "t1", Title: "Edit nudge profile to taste", Priority: "high"},
	})
}

// ── input helpers ──────────────────────────────────────────────────

func (r *InitRunner) prompt(label string) string {
	cPrompt.Printf("%s > ", label)
	if r.scanner.Scan() {
		return strings.TrimSpace(r.scanner.Text())
	}
	return ""
}

func (r *InitRunner) promptDefault(label string, defaultVal string) string {
	if defaultVal != "" {
		cPrompt.Printf("%s ", label)
		cDim.Printf("[%s]", defaultVal)
		cPrompt.Print(" > ")
	} else {
		cPrompt.Printf("%s > ", label)
	}

	if r.scanner.Scan() {
		val := strings.TrimSpace(r.scanner.Text())
		if val != "" {
			return val
		}
	}
	return defaultVal
}

func (r *InitRunner) promptRequired(label string) string {
	for {
		val := r.prompt(label)
		if val != "" {
			return val
		}
		cError.Println("  This field is required.")
	}
}

func (r *InitRunner) promptChoice(label string, min, max int) int {
	for {
		val := r.promptDefault(label, strconv.Itoa(min))
		n, err := strconv.Atoi(val)
		if err == nil && n >= min && n <= max {
			return n
		}
		cError.Printf("  Please enter a number between %d and %d.\n", min, max)
	}
}

func (r *InitRunner) confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}

	cPrompt.Printf("%s %s > ", label, hint)
	if r.scanner.Scan() {
		val := strings.ToLower(strings.TrimSpace(r.scanner.Text()))
		if val == "" {
			return defaultYes
		}
		return val == "y" || val == "yes"
	}
	return defaultYes
}

func (r *InitRunner) printStepHeader(step string, title string) {
	cStep.Printf("═══ %s: %s ═══\n\n", step, title)
}
