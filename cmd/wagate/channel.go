package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"wagate/internal/bus"
	"wagate/internal/domain"
	"wagate/internal/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/mdp/qrterminal"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusStyles = map[domain.Status]lipgloss.Style{
		domain.StatusConnected:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		domain.StatusConnecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		domain.StatusQRPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("212")),
		domain.StatusDisconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		domain.StatusError:        lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	}
)

// openStore opens the channel store named by the config.
func openStore() (*store.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("channel store: %w", err)
	}
	return st, nil
}

func channelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage channel records",
	}
	cmd.AddCommand(channelAddCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printChannels(cmd)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rm [id]",
		Short: "Delete a channel and its transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Delete(contextFor(cmd), args[0]); err != nil {
				return err
			}
			logger.Info("channel deleted", "channel", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "history [id]",
		Short: "Show recent status transitions of a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			ts, err := st.Transitions(contextFor(cmd), args[0], 20)
			if err != nil {
				return err
			}
			for _, t := range ts {
				fmt.Printf("%s  %s -> %s  %s\n",
					dateStyle.Render(t.CreatedAt.Local().Format(time.DateTime)),
					statusStyle(t.From), statusStyle(t.To), t.Reason)
			}
			return nil
		},
	})
	return cmd
}

func channelAddCmd() *cobra.Command {
	var (
		id, name, userID, provider string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a new channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := domain.ParseProviderType(provider)
			if err != nil {
				return err
			}
			if id == "" {
				id = uuid.NewString()
			}
			if name == "" {
				name = id
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			ch := domain.Channel{
				ID:       id,
				Name:     name,
				UserID:   userID,
				Provider: p,
				Status:   domain.StatusDisconnected,
			}
			if err := st.Create(contextFor(cmd), ch); err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "channel id (default: random uuid)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&userID, "user", "", "owning user id")
	cmd.Flags().StringVarP(&provider, "provider", "p", string(domain.ProviderBaileys), "baileys | evolution | webjs")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored channel status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printChannels(cmd)
		},
	}
}

func statusStyle(s domain.Status) string {
	if st, ok := statusStyles[s]; ok {
		return st.Render(string(s))
	}
	return string(s)
}

func printChannels(cmd *cobra.Command) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	chs, err := st.List(contextFor(cmd))
	if err != nil {
		return err
	}
	if len(chs) == 0 {
		fmt.Println("No channels. Add one with 'wagate channel add'.")
		return nil
	}

	fmt.Println(headerStyle.Render(fmt.Sprintf("%-36s  %-10s  %-13s  %-16s  %s", "ID", "PROVIDER", "STATUS", "PHONE", "UPDATED")))
	for _, ch := range chs {
		status := statusStyle(ch.Status)
		// pad on the raw width, styling adds escape codes
		pad := strings.Repeat(" ", max(0, 13-lipgloss.Width(status)))
		fmt.Printf("%s  %-10s  %s%s  %-16s  %s\n",
			idStyle.Render(fmt.Sprintf("%-36s", ch.ID)),
			ch.Provider,
			status, pad,
			ch.Phone,
			dateStyle.Render(ch.UpdatedAt.Local().Format(time.DateTime)),
		)
	}
	return nil
}

func pairCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "pair [id]",
		Short: "Start a channel in the foreground and render its pairing QR in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			gw, err := openGateway(cfg)
			if err != nil {
				return err
			}
			defer gw.close()
			go drainInbound(gw.inbound)

			ctx, stop := signal.NotifyContext(contextFor(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			id := args[0]
			ch, err := gw.store.FindByID(ctx, id)
			if err != nil {
				return err
			}

			done := make(chan error, 1)
			finish := func(err error) {
				select {
				case done <- err:
				default:
				}
			}
			forChannel := func(e bus.Event) bool {
				c, _ := e.Payload["channel"].(string)
				return c == id
			}
			gw.events.On(bus.EventSessionQR, func(e bus.Event) {
				if !forChannel(e) {
					return
				}
				qr, _ := e.Payload["qr"].(string)
				if strings.HasPrefix(qr, "data:") {
					fmt.Printf("\nThe provider only returned a QR image; fetch it from /api/v1/sessions/%s/qr.png\n", id)
					return
				}
				fmt.Println("\nScan this code with WhatsApp > Linked devices:")
				qrterminal.GenerateHalfBlock(qr, qrterminal.L, os.Stdout)
			})
			gw.events.On(bus.EventSessionStatus, func(e bus.Event) {
				if forChannel(e) && e.Payload["to"] == string(domain.StatusConnected) {
					finish(nil)
				}
			})
			gw.events.On(bus.EventSessionAuthExpired, func(e bus.Event) {
				if forChannel(e) {
					finish(domain.ErrAuthExpired)
				}
			})
			gw.events.On(bus.EventReconnectExhausted, func(e bus.Event) {
				if forChannel(e) {
					finish(errors.New("reconnect attempts exhausted"))
				}
			})

			if _, err := gw.registry.Create(ctx, *ch); err != nil {
				return err
			}
			if err := gw.registry.Start(ctx, id); err != nil {
				return err
			}

			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case err := <-done:
				if err != nil {
					return err
				}
				info, _ := gw.registry.Session(id)
				fmt.Printf("\nPaired %s as %s\n", id, info.Phone)
				return nil
			case <-timer.C:
				return fmt.Errorf("pairing timed out after %s", timeout)
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "give up pairing after this long")
	return cmd
}
