package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/config"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/events"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/node"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	n, err := node.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("node setup failed")
	}
	if err := n.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("node failed to start")
	}

	// Print incoming events to stdout.
	ch, cancel := n.Events(64)
	defer cancel()
	go func() {
		for ev := range ch {
			switch ev.Kind {
			case events.KindNewMessage:
				fmt.Printf("[%s] new message from %s (%s)\n", ev.At.Format(time.Kitchen), ev.Peer, ev.Method)
			case events.KindTyping:
				fmt.Printf("[%s] %s is typing...\n", ev.At.Format(time.Kitchen), ev.Peer)
			case events.KindPeerOnline:
				fmt.Printf("[%s] %s is online\n", ev.At.Format(time.Kitchen), ev.Peer)
			case events.KindPeerOffline:
				fmt.Printf("[%s] %s is offline\n", ev.At.Format(time.Kitchen), ev.Peer)
			case events.KindSendFailed:
				fmt.Printf("[%s] send to %s failed\n", ev.At.Format(time.Kitchen), ev.Peer)
			}
		}
	}()

	go repl(ctx, n)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down node...")
	n.Shutdown()
}

// repl reads line commands from stdin:
//
//	/add <user>        add a contact
//	/rm <user>         remove a contact and history
//	/contacts          list contacts
//	/history <user>    show recent messages
//	/typing <user>     send a typing hint
//	<user> <message>   send a message
func repl(ctx context.Context, n *node.Node) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "/add":
			if _, err := n.AddContact(ctx, rest); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("added", rest)
		case "/rm":
			if err := n.RemoveContact(ctx, rest); err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("removed", rest)
		case "/contacts":
			contacts, err := n.Contacts(ctx)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, c := range contacts {
				fmt.Printf("  %s  %s\n", c.Username, c.Address)
			}
		case "/history":
			recs, err := n.History(ctx, rest, 50)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, r := range recs {
				arrow := "->"
				if r.Direction == "in" {
					arrow = "<-"
				}
				fmt.Printf("  %s %s %s\n", arrow, r.Peer, r.Plaintext)
			}
		case "/typing":
			if err := n.SendTyping(ctx, rest); err != nil {
				fmt.Println("error:", err)
			}
		default:
			to, msg := cmd, rest
			if msg == "" {
				fmt.Println("usage: <user> <message>")
				continue
			}
			out, err := n.Send(ctx, to, msg)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			if out.Delivered {
				fmt.Println("delivered")
			} else {
				fmt.Println("queued for offline delivery")
			}
		}
	}
}
