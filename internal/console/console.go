// Package console provides an interactive operator shell over the engine.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/olekukonko/tablewriter"

	"github.com/xtxerr/policysync/internal/api"
	"github.com/xtxerr/policysync/internal/errors"
	"github.com/xtxerr/policysync/internal/logging"
	"github.com/xtxerr/policysync/internal/notify"
	"github.com/xtxerr/policysync/internal/snapshot"
)

var log = logging.Component("console")

// ErrExit is returned by Execute for the exit command.
var ErrExit = errors.New("exit")

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, c *Console, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"list":    {"list [domain]", "list entities", cmdList},
		"get":     {"get <domain/id>", "show one entity", cmdGet},
		"enable":  {"enable <domain/id>", "enable an entity", cmdSet(true)},
		"disable": {"disable <domain/id>", "disable an entity", cmdSet(false)},
		"toggle":  {"toggle <domain/id>", "invert the shown state", cmdToggle},
		"refresh": {"refresh", "fetch the controller state now", cmdRefresh},
		"events":  {"events [limit] [domain/id]", "show recorded changes", cmdEvents},
		"stats":   {"stats", "show engine statistics", cmdStats},
		"help":    {"help", "show commands", cmdHelp},
		"exit":    {"exit", "leave the console", func(context.Context, *Console, []string) error { return ErrExit }},
	}
}

// Console executes operator commands.
type Console struct {
	engine  api.Engine
	journal api.Journal
	out     io.Writer

	// Timeout bounds each command.
	Timeout time.Duration
}

// New creates a console writing to out. journal may be nil.
func New(eng api.Engine, journal api.Journal, out io.Writer) *Console {
	return &Console{
		engine:  eng,
		journal: journal,
		out:     out,
		Timeout: 30 * time.Second,
	}
}

// Execute runs one command line.
func (c *Console) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, ok := commands[strings.ToLower(fields[0])]
	if !ok {
		return fmt.Errorf("unknown command %q (try help)", fields[0])
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	return cmd.run(ctx, c, fields[1:])
}

// Run reads commands until exit, end of input or ctx cancellation.
func (c *Console) Run(ctx context.Context) {
	done := make(chan struct{})
	exited := false

	p := prompt.New(
		func(line string) {
			err := c.Execute(ctx, line)
			switch {
			case err == nil:
			case errors.Is(err, ErrExit):
				exited = true
			default:
				fmt.Fprintln(c.out, "error:", err)
			}
		},
		c.Complete,
		prompt.OptionPrefix("policysync> "),
		prompt.OptionTitle("policysync"),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool {
			return exited || ctx.Err() != nil
		}),
	)

	go func() {
		p.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// go-prompt owns the terminal until the next keypress
		log.Debug("console interrupted")
	}
}

// Complete suggests commands and entity keys.
func (c *Console) Complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	word := d.GetWordBeforeCursor()
	fields := strings.Fields(before)

	if len(fields) == 0 || (len(fields) == 1 && !strings.HasSuffix(before, " ")) {
		names := make([]string, 0, len(commands))
		for name := range commands {
			names = append(names, name)
		}
		sort.Strings(names)

		out := make([]prompt.Suggest, 0, len(names))
		for _, name := range names {
			out = append(out, prompt.Suggest{Text: name, Description: commands[name].help})
		}
		return prompt.FilterHasPrefix(out, word, true)
	}

	switch fields[0] {
	case "get", "enable", "disable", "toggle", "events":
		var out []prompt.Suggest
		for _, ent := range c.engine.List("") {
			desc := "disabled"
			if ent.State.Enabled {
				desc = "enabled"
			}
			out = append(out, prompt.Suggest{Text: ent.Key.String(), Description: desc})
		}
		return prompt.FilterHasPrefix(out, word, true)
	case "list":
		out := make([]prompt.Suggest, 0, len(snapshot.KnownDomains))
		for _, d := range snapshot.KnownDomains {
			out = append(out, prompt.Suggest{Text: string(d)})
		}
		return prompt.FilterHasPrefix(out, word, true)
	}
	return nil
}

// =============================================================================
// Commands
// =============================================================================

func cmdList(_ context.Context, c *Console, args []string) error {
	var domain snapshot.Domain
	if len(args) > 0 {
		d, err := snapshot.ParseDomain(args[0])
		if err != nil {
			return err
		}
		domain = d
	}

	table := c.table("ENTITY", "NAME", "ENABLED", "STATE")
	for _, ent := range c.engine.List(domain) {
		state := "confirmed"
		if ent.Optimistic {
			state = "optimistic"
		}
		if ent.Pending != "" {
			state += " (" + string(ent.Pending) + ")"
		}
		table.Append([]string{ent.Key.String(), ent.State.Name, strconv.FormatBool(ent.State.Enabled), state})
	}
	table.Render()
	return nil
}

func cmdGet(_ context.Context, c *Console, args []string) error {
	key, err := keyArg(args)
	if err != nil {
		return err
	}
	rec, ok := c.engine.CurrentState(key)
	if !ok {
		return errors.NewEntityNotFound(key.String())
	}

	fmt.Fprintf(c.out, "%s\n  name:    %s\n  enabled: %t\n", key, rec.Name, rec.Enabled)
	attrs := rec.Attributes()
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, _ := json.Marshal(attrs[name])
		fmt.Fprintf(c.out, "  %s: %s\n", name, v)
	}
	return nil
}

func cmdSet(enabled bool) func(context.Context, *Console, []string) error {
	return func(ctx context.Context, c *Console, args []string) error {
		key, err := keyArg(args)
		if err != nil {
			return err
		}
		if err := c.engine.Toggle(ctx, key, enabled); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: enabled=%t written\n", key, enabled)
		return nil
	}
}

func cmdToggle(ctx context.Context, c *Console, args []string) error {
	key, err := keyArg(args)
	if err != nil {
		return err
	}
	rec, ok := c.engine.CurrentState(key)
	if !ok {
		return errors.NewEntityNotFound(key.String())
	}
	return cmdSet(!rec.Enabled)(ctx, c, args)
}

func cmdRefresh(ctx context.Context, c *Console, _ []string) error {
	res, err := c.engine.Refresh(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "cycle %s: %d changes in %s (converged %d, corrected %d, rolled back %d)\n",
		res.CycleID, len(res.Events), res.Duration.Round(time.Millisecond),
		len(res.Reconciled.Converged), len(res.Reconciled.Corrected), len(res.Reconciled.RolledBack))
	return nil
}

func cmdEvents(ctx context.Context, c *Console, args []string) error {
	if c.journal == nil {
		return errors.Wrap(errors.ErrNotFound, "journal disabled")
	}

	limit := 20
	var key *snapshot.Key
	for _, arg := range args {
		if n, err := strconv.Atoi(arg); err == nil {
			if n <= 0 {
				return errors.NewValidation("limit", "must be positive")
			}
			limit = n
			continue
		}
		k, err := snapshot.ParseKey(arg)
		if err != nil {
			return err
		}
		key = &k
	}

	var (
		events []notify.Event
		err    error
	)
	if key != nil {
		events, err = c.journal.ForEntity(ctx, *key, limit)
	} else {
		events, err = c.journal.Recent(ctx, limit)
	}
	if err != nil {
		return err
	}

	table := c.table("TIME", "ENTITY", "ACTION", "LOCAL")
	for _, ev := range events {
		table.Append([]string{
			ev.ObservedAt.Local().Format(time.DateTime),
			ev.Key().String(),
			string(ev.Action),
			strconv.FormatBool(ev.LocallyInitiated),
		})
	}
	table.Render()
	return nil
}

func cmdStats(_ context.Context, c *Console, _ []string) error {
	data, err := json.MarshalIndent(c.engine.Stats(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, string(data))
	return nil
}

func cmdHelp(_ context.Context, c *Console, _ []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	table := c.table("COMMAND", "DESCRIPTION")
	for _, name := range names {
		table.Append([]string{commands[name].usage, commands[name].help})
	}
	table.Render()
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func (c *Console) table(header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(c.out)
	t.SetHeader(header)
	t.SetBorder(false)
	t.SetAutoWrapText(false)
	return t
}

func keyArg(args []string) (snapshot.Key, error) {
	if len(args) != 1 {
		return snapshot.Key{}, errors.NewMissingField("domain/id")
	}
	return snapshot.ParseKey(args[0])
}
