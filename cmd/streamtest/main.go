// streamtest connects to the backend stream and prints events to console.
// Usage: go run ./cmd/streamtest --url wss://backend/ws/stream
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MTM1979/ForexPower-Scalper-Pro/internal/stream"
)

func main() {
	url := flag.String("url", "ws://localhost:8000/ws/stream", "stream WebSocket URL")
	token := flag.String("token", os.Getenv("FPSP_TOKEN"), "bearer token")
	verbose := flag.Bool("verbose", false, "print full frame JSON")
	sendCmd := flag.String("send", "", "optional command action to send with ack (e.g., pause)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	cfg := stream.DefaultConfig(*url)
	cfg.Token = *token
	manager := stream.NewManager(cfg, logger)

	manager.On(stream.EventOpen, func(ev stream.Event) {
		fmt.Println("--- connected ---")
	})
	manager.On(stream.EventClose, func(ev stream.Event) {
		fmt.Printf("--- closed: %s ---\n", ev.Payload)
	})
	manager.On(stream.EventError, func(ev stream.Event) {
		fmt.Printf("--- error: %s ---\n", ev.Payload)
	})
	manager.On(stream.Wildcard, func(ev stream.Event) {
		switch ev.Type {
		case stream.EventOpen, stream.EventClose, stream.EventError:
			return
		}
		if *verbose {
			fmt.Printf("[%s] %s\n", ev.Type, ev.Raw)
			return
		}
		var pretty map[string]any
		if err := json.Unmarshal(ev.Payload, &pretty); err != nil {
			fmt.Printf("[%s] %s\n", ev.Type, ev.Payload)
			return
		}
		fmt.Printf("[%s] %v\n", ev.Type, pretty)
	})

	manager.Connect()
	defer func() {
		manager.Disconnect()
		manager.Wait()
	}()

	if *sendCmd != "" {
		// Give the connection a moment before sending
		time.Sleep(time.Second)

		sendCtx, sendCancel := context.WithTimeout(ctx, 10*time.Second)
		defer sendCancel()

		payload, err := manager.Send(sendCtx,
			map[string]any{"type": "command", "payload": map[string]any{"action": *sendCmd}},
			stream.SendOptions{AwaitAck: true},
		)
		if err != nil {
			logger.Error("command failed", "action", *sendCmd, "error", err)
		} else {
			fmt.Printf("ack: %s\n", payload)
		}
	}

	<-ctx.Done()
	fmt.Println("bye")
}
