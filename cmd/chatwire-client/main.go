package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pplabs/chatwire/client"
	"github.com/pplabs/chatwire/server"
	"github.com/pplabs/chatwire/wire"
)

var (
	addr   = flag.String("addr", "ws://localhost:8080", "gateway address")
	token  = flag.String("token", "", "bearer token; minted locally when -secret is set")
	secret = flag.String("secret", "", "jwt secret for local token minting (dev only)")
	user   = flag.String("user", "demo", "user id for minted tokens")
	name   = flag.String("name", "Demo", "display name for minted tokens")
	room   = flag.String("room", "lobby", "room to join")
)

func main() {
	flag.Parse()

	bearer := *token
	if bearer == "" && *secret != "" {
		auth := server.NewAuthenticator([]byte(*secret), "HS256", time.Hour)
		var err error
		bearer, err = auth.Generate(*user, *name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mint token: %v\n", err)
			os.Exit(1)
		}
	}
	if bearer == "" {
		fmt.Fprintln(os.Stderr, "either -token or -secret is required")
		os.Exit(1)
	}

	c := client.New(client.Options{ServerURL: *addr})

	c.On(wire.KindMessageNew, func(ev wire.Event) {
		m := ev.Payload.(*wire.ChatMessage)
		fmt.Printf("\n[%s] %s: %s\n> ", m.RoomID, m.SenderName, m.Content)
	})
	c.On(wire.KindTypingStart, func(ev wire.Event) {
		t := ev.Payload.(*wire.TypingEvent)
		fmt.Printf("\n[%s] %s is typing...\n> ", t.RoomID, t.UserName)
	})
	c.On(wire.KindUserOnline, func(ev wire.Event) {
		p := ev.Payload.(*wire.PresenceEvent)
		fmt.Printf("\n* %s is online\n> ", p.UserID)
	})
	c.On(wire.KindUserOffline, func(ev wire.Event) {
		p := ev.Payload.(*wire.PresenceEvent)
		fmt.Printf("\n* %s is offline\n> ", p.UserID)
	})
	c.On(wire.KindConnectionClosed, func(ev wire.Event) {
		fmt.Println("\n* connection closed, reconnecting...")
	})
	c.On(wire.KindConnectionError, func(ev wire.Event) {
		e := ev.Payload.(*wire.ConnError)
		fmt.Printf("\n* connection error: %s\n", e.Error)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx, bearer); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Disconnect()

	if _, err := c.Join(ctx, *room); err != nil {
		fmt.Fprintf(os.Stderr, "join %s: %v\n", *room, err)
		os.Exit(1)
	}
	fmt.Printf("joined %s, type to chat (/quit to exit)\n> ", *room)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				fmt.Print("> ")
				continue
			}
			if err := c.SendMessage(*room, line, wire.MessageText); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
			fmt.Print("> ")
		}
	}
}
