//go:build linux

// Demo CLI for btlink (Linux only)
//
// Prerequisites
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - Adapter powered on: `bluetoothctl power on`.
//   - Most environments require sudo for RegisterProfile: run with `sudo` if
//     needed.
//
// Modes
//
//  1. Scan for SPP devices:
//     go run ./cmd/btlink-chat -mode=scan -timeout=15s
//     Lists devices with Path/MAC/Name/Alias.
//
//  2. List bonded devices:
//     go run ./cmd/btlink-chat -mode=bonded
//
//  3. Serve (wait for a peer, then chat):
//     sudo go run ./cmd/btlink-chat -mode=serve -name MyChatService
//     Then connect from another device to SPP service "MyChatService".
//     Listening re-arms automatically after a disconnection.
//
//  4. Connect to a peer and chat:
//     a) Interactive (scan then choose):
//     sudo go run ./cmd/btlink-chat -mode=connect
//     b) Direct by address:
//     sudo go run ./cmd/btlink-chat -mode=connect -device AA:BB:CC:DD:EE:FF
//     If not paired, an Agent must be registered; pairing is attempted
//     automatically.
//
// Notes
//   - Exit/Ctrl-C cancels via context.
//   - Chat lines are exchanged as JSON records; peers running this tool on
//     both ends interoperate out of the box.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"btlink/internal/bluez"
	"btlink/internal/link"
	"btlink/internal/mux"
)

type chatMessage struct {
	From   string `json:"from" mapstructure:"from"`
	Text   string `json:"text" mapstructure:"text"`
	SentAt int64  `json:"sent_at" mapstructure:"sent_at"`
}

func main() {
	mode := flag.String("mode", "scan", "mode: scan|bonded|serve|connect")
	name := flag.String("name", "MyChatService", "SPP service name (serve mode)")
	device := flag.String("device", "", "peer address to connect (connect mode); scans and prompts when empty")
	nick := flag.String("nick", defaultNick(), "display name sent with chat messages")
	timeout := flag.Duration("timeout", 15*time.Second, "scan/connect timeout")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err == nil {
			logger = l
		}
	}
	defer logger.Sync()

	// Ctrl-C cancels everything.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	adapter := bluez.New(bluez.Options{Logger: logger})
	defer func() {
		if err := adapter.Close(); err != nil {
			logger.Warn("adapter close", zap.Error(err))
		}
	}()

	switch strings.ToLower(*mode) {
	case "scan":
		runScan(ctx, adapter, *timeout)
	case "bonded":
		runBonded(ctx, adapter)
	case "serve":
		runServe(ctx, adapter, logger, *name, *nick)
	case "connect":
		runConnect(ctx, adapter, logger, *device, *nick, *timeout)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode: %s\n", *mode)
		os.Exit(2)
	}
}

func runScan(ctx context.Context, adapter *bluez.Adapter, timeout time.Duration) {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	devs, err := adapter.ScanSPP(scanCtx)
	if err != nil {
		fatal("scan: %v", err)
	}
	if len(devs) == 0 {
		fmt.Println("no SPP devices found")
		return
	}
	for i, d := range devs {
		fmt.Printf("[%d] MAC=%s Name=%s Alias=%s Path=%s\n", i, d.MAC, d.Name, d.Alias, d.Path)
	}
}

func runBonded(ctx context.Context, adapter *bluez.Adapter) {
	peers, err := adapter.BondedDevices(ctx)
	if err != nil {
		fatal("bonded: %v", err)
	}
	if len(peers) == 0 {
		fmt.Println("no bonded devices")
		return
	}
	for i, p := range peers {
		fmt.Printf("[%d] %s %s\n", i, p.ID, p.Name)
	}
}

func runServe(ctx context.Context, adapter *bluez.Adapter, logger *zap.Logger, service, nick string) {
	mgr := link.NewManager(adapter, link.Config{Service: service, Logger: logger})
	if err := mgr.Start(ctx); err != nil {
		fatal("start: %v", err)
	}
	defer mgr.Stop()

	fmt.Printf("serving as %q, waiting for a peer (Ctrl-C to quit)\n", service)
	chat(ctx, mgr, nick)
}

func runConnect(ctx context.Context, adapter *bluez.Adapter, logger *zap.Logger, device, nick string, timeout time.Duration) {
	peer := choosePeer(ctx, adapter, device, timeout)

	mgr := link.NewManager(adapter, link.Config{Logger: logger})
	if err := mgr.Start(ctx); err != nil {
		fatal("start: %v", err)
	}
	defer mgr.Stop()

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	fmt.Printf("connecting to %s...\n", peer.ID)
	if err := mgr.Connect(connectCtx, peer); err != nil {
		fatal("connect: %v", err)
	}
	chat(ctx, mgr, nick)
}

func choosePeer(ctx context.Context, adapter *bluez.Adapter, device string, timeout time.Duration) link.Peer {
	if device != "" {
		return link.Peer{ID: device}
	}
	fmt.Println("scanning for SPP devices to choose...")
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	devs, err := adapter.ScanSPP(scanCtx)
	if err != nil {
		fatal("scan: %v", err)
	}
	if len(devs) == 0 {
		fatal("no SPP devices found")
	}
	for i, d := range devs {
		fmt.Printf("[%d] MAC=%s Name=%s Alias=%s\n", i, d.MAC, d.Name, d.Alias)
	}
	fmt.Print("choose index: ")
	return devs[readIndex(len(devs))].Peer()
}

// chat relays stdin lines out as records and prints whatever arrives, until
// ctx ends or stdin closes.
func chat(ctx context.Context, mgr *link.Manager, nick string) {
	states := mgr.State()
	defer states.Cancel()
	records := mgr.Records()
	defer records.Cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states.C:
			if !ok {
				return
			}
			printStatus(st)
		case rec, ok := <-records.C:
			if !ok {
				return
			}
			printRecord(rec)
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			msg := chatMessage{From: nick, Text: line, SentAt: time.Now().Unix()}
			if !mgr.Send(msg) {
				fmt.Println("! not connected, message dropped")
			}
		}
	}
}

func printStatus(st link.Status) {
	switch st.Kind {
	case link.StatusConnected:
		fmt.Printf("* connected to %s %s\n", st.Peer.ID, st.Peer.Name)
	case link.StatusDisconnected:
		if st.Peer.ID != "" {
			fmt.Printf("* disconnected from %s\n", st.Peer.ID)
		} else {
			fmt.Println("* disconnected")
		}
	case link.StatusWaiting:
		fmt.Println("* waiting for a connection")
	case link.StatusError:
		fmt.Println("* connection error")
	}
}

func printRecord(rec mux.Record) {
	var msg chatMessage
	if err := mapstructure.Decode(rec, &msg); err != nil || msg.Text == "" {
		fmt.Printf("<raw> %v\n", rec)
		return
	}
	when := time.Unix(msg.SentAt, 0).Format("15:04:05")
	fmt.Printf("[%s] %s: %s\n", when, msg.From, msg.Text)
}

func readIndex(n int) int {
	r := bufio.NewReader(os.Stdin)
	for {
		line, _ := r.ReadString('\n')
		line = strings.TrimSpace(line)
		i, err := strconv.Atoi(line)
		if err == nil && i >= 0 && i < n {
			return i
		}
		fmt.Printf("enter 0..%d: ", n-1)
	}
}

func defaultNick() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "anonymous"
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
