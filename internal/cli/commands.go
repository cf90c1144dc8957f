// Package cli implements the interactive command-line interface of pspdrp:
// live device listing, host commands and usage summaries.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/pspdrp/companion/internal/db"
	"github.com/pspdrp/companion/internal/events"
	"github.com/pspdrp/companion/internal/session"
)

// Devices resolves live sessions by id or display name.
type Devices interface {
	List() []session.Info
	Lookup(key string) (session.Info, bool)
}

// IconRequester queues icon requests to a device.
type IconRequester interface {
	RequestIcon(id session.Identity, gameID string) error
}

// StatsSender pushes the usage export to a device.
type StatsSender interface {
	SendStatistics(deviceID string) error
}

// Deps are the components the CLI drives. Stats and Usage are nil when
// usage tracking is disabled.
type Deps struct {
	Devices  Devices
	Commands IconRequester
	Stats    StatsSender
	Usage    *db.UsageStore
	Bus      *events.EventBus
}

// CLI provides an interactive command-line interface.
type CLI struct {
	deps Deps
	in   io.Reader
	out  io.Writer
}

// NewCLI creates a CLI reading commands from in and writing to out.
func NewCLI(deps Deps, in io.Reader, out io.Writer) *CLI {
	return &CLI{deps: deps, in: in, out: out}
}

// Start runs the command loop until ctx is cancelled, input ends or the user
// quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\npspdrp CLI ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "pspdrp> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				log.Debug().Msg("CLI: input closed")
				return
			}
			if c.Execute(ctx, line) {
				return
			}
		}
	}
}

// Execute runs one command line and reports whether the user asked to quit.
func (c *CLI) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "devices", "d", "status":
		err = c.cmdDevices(args)
	case "icon":
		err = c.cmdIcon(args)
	case "sync":
		err = c.cmdSync(args)
	case "usage", "u":
		err = c.cmdUsage(args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down pspdrp...")
		if c.deps.Bus != nil {
			c.deps.Bus.Emit(ctx, events.New(events.EventShutdown, "cli", nil))
		}
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(c.out, "║                     pspdrp CLI Commands                      ║")
	fmt.Fprintln(c.out, "╠══════════════════════════════════════════════════════════════╣")
	fmt.Fprintln(c.out, "║  devices [device]       List devices or show one in detail   ║")
	fmt.Fprintln(c.out, "║  icon <device> [game]   Request a game icon from a device    ║")
	fmt.Fprintln(c.out, "║  sync <device>          Push usage statistics to a device    ║")
	fmt.Fprintln(c.out, "║  usage [top N|dates|day YYYY-MM-DD]  Show playtime           ║")
	fmt.Fprintln(c.out, "║  quit                   Shutdown pspdrp                      ║")
	fmt.Fprintln(c.out, "║  help                   Show this help message               ║")
	fmt.Fprintln(c.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.out)
}

func (c *CLI) lookup(args []string) (session.Info, error) {
	if len(args) < 1 {
		return session.Info{}, fmt.Errorf("device id or name required")
	}
	info, ok := c.deps.Devices.Lookup(args[0])
	if !ok {
		return session.Info{}, fmt.Errorf("no device %q", args[0])
	}
	return info, nil
}

func (c *CLI) cmdDevices(args []string) error {
	if len(args) > 0 {
		info, err := c.lookup(args)
		if err != nil {
			return err
		}
		c.printDeviceDetail(info)
		return nil
	}

	devices := c.deps.Devices.List()
	if len(devices) == 0 {
		fmt.Fprintln(c.out, "No devices connected")
		return nil
	}

	fmt.Fprintln(c.out)
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Device", "Name", "State", "Battery", "Game", "Last Seen"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, d := range devices {
		tw.Append([]string{
			d.ID,
			d.DisplayName,
			d.State.String(),
			battery(d.Battery),
			gameTitle(d),
			d.LastSeen.Format("15:04:05"),
		})
	}

	tw.Render()
	fmt.Fprintln(c.out)
	return nil
}

func battery(pct int) string {
	if pct < 0 {
		return "-"
	}
	return fmt.Sprintf("%d%%", pct)
}

func gameTitle(d session.Info) string {
	if d.CurrentGame == nil {
		return "-"
	}
	if d.CurrentGame.Title != "" {
		return d.CurrentGame.Title
	}
	return d.CurrentGame.GameID
}

func (c *CLI) printDeviceDetail(d session.Info) {
	fmt.Fprintf(c.out, "\n  Device:       %s\n", d.ID)
	fmt.Fprintf(c.out, "  Name:         %s\n", d.DisplayName)
	fmt.Fprintf(c.out, "  State:        %s\n", d.State)
	fmt.Fprintf(c.out, "  Battery:      %s\n", battery(d.Battery))
	fmt.Fprintf(c.out, "  Connected:    %s\n", d.ConnectedAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "  Last Seen:    %s\n", d.LastSeen.Format(time.RFC3339))
	if d.CurrentGame != nil {
		fmt.Fprintf(c.out, "  Game:         %s (%s)\n", gameTitle(d), d.CurrentGame.GameID)
	}
	fmt.Fprintf(c.out, "  Icons:        %d pending\n", d.PendingIcons)
	fmt.Fprintf(c.out, "  Stats Upload: %v\n", d.StatsPending)
	fmt.Fprintln(c.out)
}

func (c *CLI) cmdIcon(args []string) error {
	info, err := c.lookup(args)
	if err != nil {
		return err
	}
	gameID := ""
	if len(args) > 1 {
		gameID = args[1]
	} else if info.CurrentGame != nil {
		gameID = info.CurrentGame.GameID
	}
	if gameID == "" {
		return fmt.Errorf("usage: icon <device> <game_id>")
	}

	if err := c.deps.Commands.RequestIcon(info.Identity, gameID); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Icon for %s requested from %s\n", gameID, info.DisplayName)
	return nil
}

func (c *CLI) cmdSync(args []string) error {
	if c.deps.Stats == nil {
		return fmt.Errorf("usage tracking disabled")
	}
	info, err := c.lookup(args)
	if err != nil {
		return err
	}
	if err := c.deps.Stats.SendStatistics(info.ID); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Statistics queued for %s\n", info.DisplayName)
	return nil
}

func (c *CLI) cmdUsage(args []string) error {
	if c.deps.Usage == nil {
		return fmt.Errorf("usage tracking disabled")
	}

	sub := ""
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
	}
	switch sub {
	case "":
		games, err := c.deps.Usage.Games(false)
		if err != nil {
			return err
		}
		c.printGames(games)
	case "top":
		n := 3
		if len(args) > 1 {
			v, err := strconv.Atoi(args[1])
			if err != nil || v < 1 {
				return fmt.Errorf("invalid count: %s", args[1])
			}
			n = v
		}
		games, err := c.deps.Usage.TopPlayed(n)
		if err != nil {
			return err
		}
		c.printGames(games)
	case "dates":
		dates, err := c.deps.Usage.PlayDates()
		if err != nil {
			return err
		}
		for _, date := range db.SortedDates(dates) {
			fmt.Fprintf(c.out, "  %s  %s\n", date, strings.Join(dates[date], ", "))
		}
	case "day":
		if len(args) < 2 {
			return fmt.Errorf("usage: usage day YYYY-MM-DD")
		}
		if _, err := time.Parse("2006-01-02", args[1]); err != nil {
			return fmt.Errorf("invalid date: %s", args[1])
		}
		stats, err := c.deps.Usage.Day(args[1])
		if err != nil {
			return err
		}
		tw := tablewriter.NewWriter(c.out)
		tw.SetHeader([]string{"Game", "Played"})
		for _, s := range stats {
			tw.Append([]string{s.Title, FormatDuration(s.Seconds)})
		}
		tw.Render()
	default:
		return fmt.Errorf("usage: usage [top N|dates|day YYYY-MM-DD]")
	}
	return nil
}

func (c *CLI) printGames(games []db.GameStats) {
	if len(games) == 0 {
		fmt.Fprintln(c.out, "No playtime recorded")
		return
	}
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Game", "ID", "Played", "Sessions", "Last Played"})
	tw.SetAutoWrapText(false)
	for _, g := range games {
		tw.Append([]string{
			g.Title,
			g.GameID,
			FormatDuration(g.Seconds),
			strconv.FormatInt(g.Sessions, 10),
			g.LastPlayed,
		})
	}
	tw.Render()
}

// FormatDuration renders seconds as "1h 05m", "12m 30s" or "45s".
func FormatDuration(secs int64) string {
	if secs < 0 {
		secs = 0
	}
	h, m, s := secs/3600, secs/60%60, secs%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %02dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
