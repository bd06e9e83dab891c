// Command client joins a room from the terminal. Lines typed on stdin are
// appended to the shared document; the document is printed whenever it
// changes.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manpreetbhatti/codeshare/internal/client"
	"github.com/manpreetbhatti/codeshare/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "server websocket URL")
	roomID := flag.String("room", "default", "room to join")
	name := flag.String("name", os.Getenv("USER"), "display name")
	language := flag.String("language", "", "set the room language after joining")
	quiet := flag.Bool("quiet", false, "do not print the document on changes")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if err := run(*url, *roomID, *name, *language, *quiet, logger); err != nil {
		logger.Error("client exited", "err", err)
		os.Exit(1)
	}
}

func run(url, roomID, name, language string, quiet bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	buf := client.NewBuffer("")
	sess, err := client.Dial(ctx, client.Options{
		URL:         url,
		RoomID:      roomID,
		DisplayName: name,
		Editor:      buf,
		Logger:      logger,
		OnEvent: func(env protocol.Envelope) {
			printEvent(env, buf, quiet)
		},
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	joinCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = sess.WaitJoined(joinCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("join %s: %w", roomID, err)
	}
	if language != "" {
		if err := sess.SetLanguage(language); err != nil {
			return err
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return fmt.Errorf("session ended")
		case line, ok := <-lines:
			if !ok {
				// Push what is still batching before leaving.
				return sess.Flush()
			}
			err := sess.Edit(func(ed client.Editor) error {
				return buf.Append(line + "\n")
			})
			if err != nil {
				return err
			}
		}
	}
}

func printEvent(env protocol.Envelope, buf *client.Buffer, quiet bool) {
	switch env.Type {
	case protocol.TypeBootstrap, protocol.TypeResync, protocol.TypeEditRelay:
		if !quiet {
			fmt.Printf("----- %s -----\n%s\n", env.RoomID, buf.Value())
		}
	case protocol.TypePresenceJoined, protocol.TypePresenceLeft:
		var p protocol.PresencePayload
		if env.Decode(&p) == nil {
			verb := "joined"
			if env.Type == protocol.TypePresenceLeft {
				verb = "left"
			}
			fmt.Printf("* %s %s the room\n", p.DisplayName, verb)
		}
	case protocol.TypeLanguageChanged:
		var p protocol.LanguagePayload
		if env.Decode(&p) == nil {
			fmt.Printf("* language is now %s\n", p.Language)
		}
	}
}
