// Command watch tails a running agent's fanout stream and prints each
// event, for keeping an eye on a remote agent without shell access to
// its ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/selftrade/agent/internal/events"
	"github.com/selftrade/agent/internal/fanout"
	"github.com/selftrade/agent/internal/telemetry"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8788", "fanout server host:port")
	pair := flag.String("pair", "", "only show events for this pair")
	flag.Parse()

	telemetry.Init(telemetry.ParseLogLevel("warn"))

	bus := events.NewBus()
	for _, t := range []events.EventType{
		events.EventSignalReceived,
		events.EventSignalRejected,
		events.EventIntentCreated,
		events.EventIntentRejected,
		events.EventOrderStateChanged,
		events.EventStreamStatus,
	} {
		bus.Subscribe(t, printEvent)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	fanout.NewClient(*addr, *pair, bus).ConnectWithRetry(ctx)
}

func printEvent(evt events.Event) error {
	ts := evt.Timestamp.Format("15:04:05.000")
	switch p := evt.Payload.(type) {
	case events.SignalEvent:
		if p.Reason != "" {
			fmt.Printf("%s  signal   %-10s %s REJECTED: %s\n", ts, p.Signal.Pair, p.Signal.Side, p.Reason)
		} else {
			fmt.Printf("%s  signal   %-10s %s entry=%.8f sl=%.8f conf=%.2f\n",
				ts, p.Signal.Pair, p.Signal.Side, p.Signal.EntryPrice, p.Signal.StopLoss, p.Signal.Confidence)
		}
	case events.IntentEvent:
		if p.Reason != "" {
			fmt.Printf("%s  intent   signal=%s REJECTED: %s\n", ts, p.SignalID, p.Reason)
		} else {
			fmt.Printf("%s  intent   %s %-10s %s qty=%.8f\n", ts, p.Intent.ID, p.Intent.Pair, p.Intent.Side, p.Intent.Qty)
		}
	case events.OrderStateEvent:
		note := ""
		if p.Note != "" {
			note = " (" + p.Note + ")"
		}
		fmt.Printf("%s  order    %s %s -> %s%s\n", ts, p.IntentID, p.From, p.To, note)
	case events.StreamStatusEvent:
		if p.Connected {
			fmt.Printf("%s  stream   connected\n", ts)
		} else {
			fmt.Printf("%s  stream   disconnected: %s\n", ts, p.Error)
		}
	}
	return nil
}
