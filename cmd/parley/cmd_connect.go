package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/parleychat/parley/internal/config"
	"github.com/parleychat/parley/internal/controller"
	"github.com/parleychat/parley/internal/event"
	"github.com/parleychat/parley/internal/history"
	"github.com/parleychat/parley/internal/transport"
	"github.com/parleychat/parley/pkg/logger"
)

var (
	flagServer string
	flagRoom   string
	flagUser   string
	flagName   string
)

func init() {
	connectCmd.Flags().StringVar(&flagServer, "server", "", "server base URL (default from PARLEY_SERVER_URL)")
	connectCmd.Flags().StringVar(&flagRoom, "room", "", "room to join on connect")
	connectCmd.Flags().StringVar(&flagUser, "user", "", "user id (default from PARLEY_USER_ID, else random)")
	connectCmd.Flags().StringVar(&flagName, "name", "", "display name (default from PARLEY_USER_NAME)")
	connectCmd.MarkFlagRequired("room")
	rootCmd.AddCommand(connectCmd)
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to the chat server and join a room",
	RunE:  runConnect,
}

// eventRelay forwards transport events to the controller. It exists so the
// transport can be dialed before the controller that depends on it is built.
type eventRelay struct {
	ctrl *controller.Controller
}

func (r *eventRelay) HandleEvent(ev event.Event) {
	if r.ctrl != nil {
		r.ctrl.HandleEvent(ev)
	}
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	client := cfg.Client
	if flagServer != "" {
		client.ServerURL = flagServer
	}
	if flagUser != "" {
		client.UserID = flagUser
	}
	if flagName != "" {
		client.UserName = flagName
	}
	if client.UserID == "" {
		client.UserID = uuid.NewString()
	}
	if client.UserName == "" {
		client.UserName = client.UserID
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wsURL := client.WebSocketURL() + "?" + url.Values{
		"user": {client.UserID},
		"name": {client.UserName},
	}.Encode()

	relay := &eventRelay{}
	ws, err := transport.Dial(ctx, wsURL, relay)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", client.ServerURL, err)
	}
	defer ws.Close()

	renderer := newTerminalRenderer(os.Stdout, client.UserID)
	histClient := history.NewClient(client.ServerURL, client.HistoryTimeout)

	ctrl := controller.New(controller.Config{
		SelfID:         client.UserID,
		SelfName:       client.UserName,
		ConfirmTimeout: client.ConfirmTimeout,
		JoinWait:       client.JoinWait,
	}, ws, histClient, renderer)
	relay.ctrl = ctrl

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := ws.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		if err := ctrl.JoinRoom(gctx, flagRoom); err != nil {
			return err
		}
		return inputLoop(gctx, ctrl)
	})

	fmt.Printf("connected to %s as %s; /quit to exit\n", client.ServerURL, client.UserName)
	return g.Wait()
}

// inputLoop reads lines from stdin and submits them. Lines starting with "/"
// are client commands.
func inputLoop(ctx context.Context, ctrl *controller.Controller) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if err := handleLine(ctx, ctrl, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func handleLine(ctx context.Context, ctrl *controller.Controller, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if strings.HasPrefix(line, "/") {
		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit", "/q":
			return errQuit
		case "/join":
			if len(fields) < 2 {
				return errors.New("usage: /join <room>")
			}
			return ctrl.JoinRoom(ctx, fields[1])
		case "/leave":
			return ctrl.LeaveRoom()
		default:
			return fmt.Errorf("unknown command %s", fields[0])
		}
	}

	_, err := ctrl.SubmitMessage(line)
	return err
}
