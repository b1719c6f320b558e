package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const usage = `usage: loqa-speech <command> [flags] [arg]

commands:
  start                 start listening
  stop                  stop listening
  destroy               destroy the recognizer session
  init                  create a fresh recognizer session
  language <tag>        set the recognition language, e.g. en-US
  total <millis>        set the minimum listening length
  pause <millis>        set the silence length that ends listening
  available             probe recognizer availability
  permission            request microphone permission
  listen                print speech events until interrupted
  version               print version`

var commands = map[string]string{
	"start":      protocol.OpStartListening,
	"stop":       protocol.OpStopListening,
	"destroy":    protocol.OpDestroy,
	"init":       protocol.OpInitialize,
	"language":   protocol.OpSetLanguage,
	"total":      protocol.OpSetTotalListeningLength,
	"pause":      protocol.OpSetListeningPauseLength,
	"available":  protocol.OpIsAvailable,
	"permission": protocol.OpRequestPermission,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	name := os.Args[1]
	if name == "version" {
		fmt.Println(version)
		return
	}

	fs := flag.NewFlagSet(name, flag.ExitOnError)
	servers := fs.String("nats", "nats://localhost:4222", "Comma separated NATS server URLs")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	start := fs.Bool("start", false, "Start listening after subscribing (listen only)")
	_ = fs.Parse(os.Args[2:])

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg := config.Default().Bus
	cfg.Servers = strings.Split(*servers, ",")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := bus.Connect(ctx, cfg, "loqa-speech-cli", logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer client.Close()

	if name == "listen" {
		err = runListen(ctx, client, *start, *timeout)
	} else {
		err = runControl(ctx, client, name, fs.Args(), *timeout)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runControl(ctx context.Context, client *bus.Client, name string, args []string, timeout time.Duration) error {
	op, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q\n%s", name, usage)
	}
	req, err := buildRequest(op, args)
	if err != nil {
		return err
	}
	value, err := call(ctx, client, op, req, timeout)
	if err != nil {
		return err
	}
	if value != "" {
		fmt.Println(value)
	}
	return nil
}

func buildRequest(op string, args []string) (protocol.ControlRequest, error) {
	var req protocol.ControlRequest
	switch op {
	case protocol.OpSetLanguage:
		if len(args) != 1 {
			return req, errors.New("language requires a tag argument")
		}
		req.Language = args[0]
	case protocol.OpSetTotalListeningLength, protocol.OpSetListeningPauseLength:
		if len(args) != 1 {
			return req, errors.New("a millisecond argument is required")
		}
		millis, err := strconv.Atoi(args[0])
		if err != nil || millis < 0 {
			return req, fmt.Errorf("invalid milliseconds %q", args[0])
		}
		req.Millis = millis
	}
	return req, nil
}

func call(ctx context.Context, client *bus.Client, op string, req protocol.ControlRequest, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var reply protocol.ControlReply
	if err := client.RequestJSON(ctx, protocol.ControlSubject(op), req, &reply); err != nil {
		return "", err
	}
	if !reply.OK {
		return "", fmt.Errorf("%s: %s", op, reply.Error)
	}
	return reply.Value, nil
}

func runListen(ctx context.Context, client *bus.Client, start bool, timeout time.Duration) error {
	events := make(chan *nats.Msg, 64)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectEventPrefix+".>", events)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if start {
		if _, err := call(ctx, client, protocol.OpStartListening, protocol.ControlRequest{}, timeout); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-events:
			var payload protocol.EventPayload
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				fmt.Fprintf(os.Stderr, "invalid event on %s: %v\n", msg.Subject, err)
				continue
			}
			name := strings.TrimPrefix(msg.Subject, protocol.SubjectEventPrefix+".")
			fmt.Printf("%s\t%s\n", name, payload.Value)
		}
	}
}
