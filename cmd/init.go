package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

// initCmd is the interactive setup wizard. It writes a starter config
// with the agent endpoint and any channel tokens the user provides.
func initCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup: write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath(cfgFile)

			if _, err := os.Stat(path); err == nil && !force {
				overwrite := false
				confirm := huh.NewConfirm().
					Title(fmt.Sprintf("%s already exists. Overwrite?", path)).
					Value(&overwrite)
				if err := confirm.Run(); err != nil {
					return err
				}
				if !overwrite {
					fmt.Println("Keeping existing config.")
					return nil
				}
			}

			cfg := config.Default()
			agentURL := cfg.Gateway.Agent.BaseURL
			port := strconv.Itoa(cfg.Gateway.Port)
			authToken := ""
			language := "zh"

			enableTelegram := false
			telegramToken := ""
			enableDiscord := false
			discordToken := ""

			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Agent runtime URL").
						Description("Base URL of the agent HTTP API the gateway forwards messages to.").
						Value(&agentURL),
					huh.NewInput().
						Title("Gateway port").
						Value(&port).
						Validate(func(s string) error {
							n, err := strconv.Atoi(strings.TrimSpace(s))
							if err != nil || n < 1 || n > 65535 {
								return fmt.Errorf("port must be a number between 1 and 65535")
							}
							return nil
						}),
					huh.NewInput().
						Title("Control-plane auth token").
						Description("Bearer token for /api/* endpoints. Leave empty to disable auth (local use only).").
						EchoMode(huh.EchoModePassword).
						Value(&authToken),
					huh.NewSelect[string]().
						Title("Refusal message language").
						Options(
							huh.NewOption("中文 (zh)", "zh"),
							huh.NewOption("English (en)", "en"),
						).
						Value(&language),
				),
				huh.NewGroup(
					huh.NewConfirm().
						Title("Enable Telegram?").
						Value(&enableTelegram),
				),
				huh.NewGroup(
					huh.NewInput().
						Title("Telegram bot token").
						Description("From @BotFather. Use ${TELEGRAM_BOT_TOKEN} to read it from the environment instead.").
						Value(&telegramToken),
				).WithHideFunc(func() bool { return !enableTelegram }),
				huh.NewGroup(
					huh.NewConfirm().
						Title("Enable Discord?").
						Value(&enableDiscord),
				),
				huh.NewGroup(
					huh.NewInput().
						Title("Discord bot token").
						Description("From the Discord developer portal. ${DISCORD_BOT_TOKEN} also works.").
						Value(&discordToken),
				).WithHideFunc(func() bool { return !enableDiscord }),
			)

			if err := form.Run(); err != nil {
				return err
			}

			cfg.Gateway.Agent.BaseURL = strings.TrimSpace(agentURL)
			cfg.Gateway.Port, _ = strconv.Atoi(strings.TrimSpace(port))
			cfg.Gateway.Auth.Token = strings.TrimSpace(authToken)

			cfg.Channels = map[string]*config.ChannelConfig{}
			if enableTelegram {
				cfg.Channels["telegram"] = &config.ChannelConfig{
					Enabled:   true,
					AccountID: "default",
					Token:     strings.TrimSpace(telegramToken),
					Language:  language,
				}
			}
			if enableDiscord {
				cfg.Channels["discord"] = &config.ChannelConfig{
					Enabled:   true,
					AccountID: "default",
					Token:     strings.TrimSpace(discordToken),
					Language:  language,
				}
			}

			if err := config.Save(path, cfg); err != nil {
				return fmt.Errorf("write config: %w", err)
			}

			fmt.Printf("Wrote %s\n", path)
			fmt.Println()
			fmt.Println("Next steps:")
			fmt.Println("  clawgate              # start the gateway")
			fmt.Println("  clawgate status       # inspect a running gateway")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config without asking")
	return cmd
}
