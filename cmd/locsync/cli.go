package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pinmap/locsync/internal/orchestrator"
	"github.com/pinmap/locsync/internal/render"
	"github.com/pinmap/locsync/pkg/core"
)

const consoleHelp = `commands:
  fix <lat> <lng> [accuracy]   report a position of the local user
  ghost on|off                 hide or show the local user to friends
  tap <peer id>                tap a friend's marker
  recenter                     focus the local user
  refresh                      fetch a snapshot now
  peers                        list known friends
  markers                      list rendered markers
  status                       print the sync status
  quit                         stop syncing`

var errQuit = errors.New("quit")

// console reads commands line by line and drives the orchestrator.
type console struct {
	o       *orchestrator.Orchestrator
	surface *render.Headless
	in      io.Reader
	out     io.Writer
	now     func() time.Time
}

// Run executes commands until quit or ctx is cancelled. End of input keeps
// the session running.
func (c *console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	fmt.Fprintln(c.out, "Type help for commands.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			err := c.execute(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintln(c.out, "error:", err)
			}
		}
	}
}

func (c *console) execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	args := fields[1:]
	switch strings.ToLower(fields[0]) {
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
		return nil
	case "quit", "exit":
		return errQuit
	case "fix":
		fix, err := parseFix(args, c.clock())
		if err != nil {
			return err
		}
		return c.o.ReportFix(ctx, fix)
	case "ghost":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return errors.New("usage: ghost on|off")
		}
		return c.o.SetGhost(ctx, args[0] == "on")
	case "tap":
		if len(args) != 1 {
			return errors.New("usage: tap <peer id>")
		}
		return c.o.Tap(ctx, core.PeerID(args[0]))
	case "recenter":
		return c.o.Recenter(ctx)
	case "refresh":
		c.o.Refresh()
		return nil
	case "peers":
		return c.o.Inspect(ctx, func(v orchestrator.View) {
			for _, p := range v.Peers {
				pos := "-"
				if p.Visible && p.Position != nil {
					pos = p.Position.String()
				}
				_, marked := v.Marker(p.ID)
				fmt.Fprintf(c.out, "%-36s %-20s %-24s visible=%t marker=%t\n", p.ID, p.DisplayName, pos, p.Visible, marked)
			}
		})
	case "markers":
		for _, m := range c.surface.Markers() {
			fmt.Fprintf(c.out, "%-36s %s avatar=%dB moves=%d\n", m.PeerID, m.Position, len(m.Avatar), m.Moves)
		}
		return nil
	case "status":
		st, err := c.o.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "viewer=%s ghost=%t peers=%d visible=%d markers=%d subscribed=%t failures=%d lost=%t\n",
			st.Viewer, st.Ghost, st.Peers, st.Visible, st.Markers, st.Subscribed, st.Failures, st.Lost)
		return nil
	default:
		return fmt.Errorf("unknown command %q, type help", fields[0])
	}
}

func (c *console) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func parseFix(args []string, at time.Time) (core.LocationFix, error) {
	if len(args) < 2 || len(args) > 3 {
		return core.LocationFix{}, errors.New("usage: fix <lat> <lng> [accuracy]")
	}
	var vals [3]float64
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return core.LocationFix{}, fmt.Errorf("invalid number %q", a)
		}
		vals[i] = v
	}
	return core.LocationFix{
		Position: core.Position{Latitude: vals[0], Longitude: vals[1]},
		Accuracy: vals[2],
		At:       at,
	}, nil
}
