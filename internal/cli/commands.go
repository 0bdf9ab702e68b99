// Package cli implements the interactive command line for seerlink.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/seerlink-project/seerlink/internal/config"
	"github.com/seerlink-project/seerlink/internal/connector"
	"github.com/seerlink-project/seerlink/internal/db"
	"github.com/seerlink-project/seerlink/internal/events"
	"github.com/seerlink-project/seerlink/internal/network"
	"github.com/seerlink-project/seerlink/internal/protocol"
	"github.com/seerlink-project/seerlink/internal/script"
)

// errQuit ends the command loop.
var errQuit = errors.New("quit")

// Backend is the game client as seen by the CLI.
type Backend interface {
	Status() connector.Status
	SendHex(ctx context.Context, hexPacket string) error
	RequestHex(ctx context.Context, hexPacket string, replyCmd uint32, timeout time.Duration) (*protocol.Packet, bool, error)
}

// ScriptRunner runs named scripts.
type ScriptRunner interface {
	List() ([]string, error)
	RunNamed(ctx context.Context, name string) (*script.Report, error)
}

// Options wires the CLI to the running components. Journal, Captcha and
// Scripts may be nil.
type Options struct {
	Client       Backend
	Names        *protocol.CommandNames
	Journal      *db.Journal
	Captcha      *connector.CaptchaQueue
	Scripts      ScriptRunner
	ReplyTimeout time.Duration

	In  io.Reader
	Out io.Writer
}

// CLI provides an interactive command-line interface.
type CLI struct {
	Options

	cfg      *config.Config
	eventBus *events.EventBus
}

// NewCLI creates a new CLI handler.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, opts Options) *CLI {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = 5 * time.Second
	}
	return &CLI{Options: opts, cfg: cfg, eventBus: eventBus}
}

// Start reads commands until ctx is done, input ends or the user quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.Out, "\nseerlink CLI ready. Type 'help' for available commands.")
	fmt.Fprintln(c.Out, "─────────────────────────────────────────────────────")

	if c.Captcha != nil && c.eventBus != nil {
		c.eventBus.Subscribe(events.EventCaptchaRequired, "cli.captcha", func(ctx context.Context, e events.Event) error {
			if p, ok := e.Payload.(events.CaptchaPayload); ok {
				fmt.Fprintf(c.Out, "\nCAPTCHA required (attempt %d). Open %s and type: captcha <4 characters>\n", p.Attempt, p.Path)
			}
			return nil
		})
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.In)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.Out, "seerlink> ")

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return
		case line, ok = <-lines:
			if !ok {
				return
			}
		}

		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}

		err := c.Execute(ctx, strings.ToLower(parts[0]), parts[1:])
		if errors.Is(err, errQuit) {
			return
		}
		if err != nil {
			fmt.Fprintf(c.Out, "Error: %v\n", err)
		}
	}
}

// Execute processes a single command.
func (c *CLI) Execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "servers":
		c.printServers()
	case "send":
		return c.cmdSend(ctx, args)
	case "request", "req":
		return c.cmdRequest(ctx, args)
	case "journal", "j":
		return c.cmdJournal(ctx, args)
	case "scripts":
		return c.cmdScripts()
	case "run":
		return c.cmdRun(ctx, args)
	case "captcha":
		return c.cmdCaptcha(args)
	case "setconfig":
		return c.cmdSetConfig(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.Out, "Shutting down seerlink...")
		if c.eventBus != nil {
			c.eventBus.Emit(ctx, events.Event{Type: events.EventShutdown, Source: "cli"})
		}
		return errQuit
	default:
		fmt.Fprintf(c.Out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.Out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.Out, "║                    seerlink CLI Commands                     ║")
	fmt.Fprintln(c.Out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.Out, "║  status               Show session status                    ║")
	fmt.Fprintln(c.Out, "║  servers              List game servers                      ║")
	fmt.Fprintln(c.Out, "║  send <hex>           Send a plaintext packet                ║")
	fmt.Fprintln(c.Out, "║  request <cmd> <hex>  Send and wait for reply command        ║")
	fmt.Fprintln(c.Out, "║  journal [n|stats]    Show recent packets or totals          ║")
	fmt.Fprintln(c.Out, "║  scripts              List scripts                           ║")
	fmt.Fprintln(c.Out, "║  run <script>         Run a script                           ║")
	fmt.Fprintln(c.Out, "║  captcha <answer>     Answer the pending CAPTCHA             ║")
	fmt.Fprintln(c.Out, "║  setconfig <k> <v>    Update a configuration value           ║")
	fmt.Fprintln(c.Out, "║  quit                 Shutdown seerlink                      ║")
	fmt.Fprintln(c.Out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.Out)
}

func (c *CLI) printStatus() {
	st := c.Client.Status()

	fmt.Fprintf(c.Out, "\n  User ID:      %d\n", st.UserID)
	fmt.Fprintf(c.Out, "  Server:       %d\n", st.Server)
	fmt.Fprintf(c.Out, "  Handshake:    %s\n", st.HandshakeState)
	fmt.Fprintf(c.Out, "  Connected:    %v\n", st.Connected)
	if st.Game != nil {
		fmt.Fprintf(c.Out, "  Game Server:  %s\n", st.Game.GameAddr)
		fmt.Fprintf(c.Out, "  Key Rotated:  %v\n", st.Game.KeyRotated)
		fmt.Fprintf(c.Out, "  Sequence:     %d\n", st.Game.Sequence)
		fmt.Fprintf(c.Out, "  Packets:      %d sent / %d received\n", st.Game.PacketsSent, st.Game.PacketsReceived)
		fmt.Fprintf(c.Out, "  Bytes:        %d out / %d in\n", st.Game.Connection.BytesOut, st.Game.Connection.BytesIn)
	}
	if st.LastError != "" {
		fmt.Fprintf(c.Out, "  Last Error:   %s\n", st.LastError)
	}
	fmt.Fprintln(c.Out)
}

func (c *CLI) printServers() {
	selected := c.cfg.GetAccount().Server
	host := c.cfg.GetNetwork().GameHost

	tw := c.table([]string{"ID", "Port", "Address", ""})
	for _, e := range network.Servers() {
		addr, _ := network.GameAddr(host, e.ID)
		mark := ""
		if e.ID == selected {
			mark = "*"
		}
		tw.Append([]string{strconv.Itoa(e.ID), strconv.Itoa(e.Port), addr, mark})
	}
	tw.Render()
}

func (c *CLI) cmdSend(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: send <hex>")
	}
	if err := c.Client.SendHex(ctx, strings.Join(args, " ")); err != nil {
		return err
	}
	fmt.Fprintln(c.Out, "Sent.")
	return nil
}

func (c *CLI) cmdRequest(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: request <reply-cmd> <hex>")
	}
	reply, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid reply command: %s", args[0])
	}

	pkt, ok, err := c.Client.RequestHex(ctx, strings.Join(args[1:], " "), uint32(reply), c.ReplyTimeout)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(c.Out, "No reply %d within %s.\n", reply, c.ReplyTimeout)
		return nil
	}

	fmt.Fprintf(c.Out, "Reply %d (%s), result %d, %d bytes:\n%s\n",
		pkt.Command, c.Names.Lookup(pkt.Command), pkt.Result, pkt.Length, pkt.Hex())
	return nil
}

func (c *CLI) cmdJournal(ctx context.Context, args []string) error {
	if c.Journal == nil {
		return fmt.Errorf("journal is disabled")
	}

	if len(args) > 0 && args[0] == "stats" {
		counts, err := c.Journal.CountByCommand(ctx)
		if err != nil {
			return err
		}
		tw := c.table([]string{"Command", "Name", "Sent", "Received"})
		for _, cc := range counts {
			tw.Append([]string{
				strconv.FormatUint(uint64(cc.Command), 10),
				cc.CommandName,
				strconv.FormatInt(cc.Sent, 10),
				strconv.FormatInt(cc.Received, 10),
			})
		}
		tw.Render()
		return nil
	}

	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	entries, err := c.Journal.Recent(ctx, limit)
	if err != nil {
		return err
	}

	tw := c.table([]string{"Time", "Dir", "Command", "Name", "Len", "Data"})
	for _, e := range entries {
		tw.Append([]string{
			e.CreatedAt.Format("15:04:05.000"),
			e.Direction,
			strconv.FormatUint(uint64(e.Command), 10),
			e.CommandName,
			strconv.Itoa(e.Length),
			abbreviate(e.PayloadHex, 47),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdScripts() error {
	if c.Scripts == nil {
		return fmt.Errorf("scripting is disabled")
	}
	names, err := c.Scripts.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(c.Out, "No scripts found.")
		return nil
	}
	for _, n := range names {
		fmt.Fprintf(c.Out, "  - %s\n", n)
	}
	return nil
}

func (c *CLI) cmdRun(ctx context.Context, args []string) error {
	if c.Scripts == nil {
		return fmt.Errorf("scripting is disabled")
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: run <script>")
	}

	report, err := c.Scripts.RunNamed(ctx, args[0])
	if report != nil {
		tw := c.table([]string{"Step", "Name", "Attempts", "Replied"})
		for _, s := range report.Steps {
			tw.Append([]string{strconv.Itoa(s.Index), s.Name, strconv.Itoa(s.Attempts), strconv.FormatBool(s.Replied)})
		}
		tw.Render()
		fmt.Fprintf(c.Out, "Script %s finished in %s\n", report.Script, report.Duration.Truncate(time.Millisecond))
	}
	return err
}

func (c *CLI) cmdCaptcha(args []string) error {
	if c.Captcha == nil {
		return fmt.Errorf("captcha answers are read from the console prompt")
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: captcha <answer>")
	}
	if err := c.Captcha.Answer(args[0]); err != nil {
		return err
	}
	fmt.Fprintln(c.Out, "Answer submitted.")
	return nil
}

func (c *CLI) cmdSetConfig(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: setconfig <section.key> <value>")
	}

	key := args[0]
	raw := strings.Join(args[1:], " ")
	var value interface{} = raw
	if key != "account.password" {
		value = parseValue(raw)
	}

	if err := c.cfg.UpdateField(key, value); err != nil {
		return err
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	if c.eventBus != nil {
		section, field, _ := strings.Cut(key, ".")
		c.eventBus.Emit(ctx, events.Event{
			Type:    events.EventConfigChanged,
			Source:  "cli",
			Payload: events.ConfigChangedPayload{Section: section, Key: field},
		})
	}

	if key == "account.password" {
		raw = "***"
	}
	fmt.Fprintf(c.Out, "Config updated: %s = %s (takes effect on restart)\n", key, raw)
	return nil
}

func (c *CLI) table(header []string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.Out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

// parseValue reads numbers, booleans and JSON literals as such and falls
// back to the plain string.
func parseValue(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func abbreviate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
