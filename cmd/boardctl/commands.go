package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"prism-board/board"
	"prism-board/client"
	"prism-board/config"
	"prism-board/domain"
)

const drainTimeout = 30 * time.Second

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := a.client()
			if err != nil {
				return err
			}
			cards, err := c.ListCards(cmd.Context())
			if err != nil {
				return err
			}
			return renderBoard(a.out, board.GroupByStatus(cards))
		},
	}
}

func newMoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "move <card> <column|card>",
		Short: "Drag a card onto a column or onto another card",
		Long: "move drops <card> onto a target. A column name moves the card to the end of that column;\n" +
			"a card id inserts it at that card's position when both are in the same column.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := a.client()
			if err != nil {
				return err
			}
			dcfg, err := config.Dispatcher()
			if err != nil {
				return err
			}
			move, engine, err := a.move(cmd.Context(), c, dcfg, args[0], args[1])
			if err != nil {
				return err
			}
			if move.Kind == board.MoveNone {
				fmt.Fprintln(a.out, "nothing to move")
				return nil
			}
			fmt.Fprintf(a.out, "%s %s: %s -> %s (%d updates)\n", move.Kind, move.CardID, move.From, move.To, len(move.Intents))
			return renderBoard(a.out, engine.Board())
		},
	}
}

// move runs one drag gesture against a fresh snapshot and waits until every
// resulting update was delivered or gave up.
func (a *app) move(ctx context.Context, c *client.Client, dcfg board.DispatcherConfig, cardID, target string) (board.Move, *board.Engine, error) {
	dispatcher := board.NewDispatcher(c, dcfg, a.logger, nil)
	defer dispatcher.Close()
	engine := board.NewEngine(dispatcher, a.logger, nil)

	if _, err := client.NewPoller(c, engine, client.PollerConfig{}, a.logger).Refresh(ctx); err != nil {
		return board.Move{}, nil, err
	}
	if !containsCard(engine.Cards(), cardID) {
		return board.Move{}, nil, fmt.Errorf("%w: card %s", domain.ErrNotFound, cardID)
	}

	engine.BeginDrag(cardID)
	move := engine.EndDrag(cardID, target)

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	if err := dispatcher.Drain(drainCtx); err != nil {
		return move, engine, fmt.Errorf("waiting for updates: %w", err)
	}
	return move, engine, nil
}

func containsCard(cards []domain.Card, id string) bool {
	for _, c := range cards {
		if c.ID == id {
			return true
		}
	}
	return false
}

func newCreateCmd(a *app) *cobra.Command {
	var in domain.NewCard
	var status string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a card at the end of a column",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := a.client()
			if err != nil {
				return err
			}
			in.Status = domain.Column(status)
			if err := in.Normalize(); err != nil {
				return err
			}
			card, err := c.CreateCard(cmd.Context(), in, uuid.NewString())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "created %s in %s at position %d\n", card.ID, card.Status, card.Order)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&in.Title, "title", "t", "", "card title")
	f.StringVar(&in.Description, "description", "", "card description")
	f.StringVarP(&status, "status", "s", string(domain.ColumnBacklog), "column")
	f.StringVar(&in.Priority, "priority", domain.DefaultPriority, "low|medium|high|urgent")
	f.StringVar(&in.Type, "type", domain.DefaultType, "task|bug|feature|chore")
	f.StringVar(&in.Assignee, "assignee", "", "assignee")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <card>",
		Short: "Delete a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := a.client()
			if err != nil {
				return err
			}
			if err := c.DeleteCard(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "deleted %s\n", args[0])
			return nil
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep printing the board as it changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, cfg, err := a.client()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			printer := newBoardPrinter(a.out, reg)
			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.WithError(err).Error("metrics server")
					}
				}()
				defer srv.Close()
			}

			pcfg := client.PollerConfig{Interval: cfg.PollInterval}
			if cfg.Push {
				pcfg.NotifyURL = c.NotificationsURL()
				pcfg.NotifyHeader = c.AuthHeader()
			}
			err = client.NewPoller(c, printer, pcfg, a.logger).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}
