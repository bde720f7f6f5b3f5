package client

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/labfeed/labfeed/internal/feed"
	"github.com/labfeed/labfeed/internal/tsstore/types"
)

// =============================================================================
// Interactive Shell
// =============================================================================

// REPL is the interactive shell behind labfeedctl. One command per
// line; subscribed samples print between prompts as they arrive.
type REPL struct {
	client *Client
	quit   bool
}

// NewREPL creates a shell around a connected client.
func NewREPL(c *Client) *REPL {
	r := &REPL{client: c}
	c.OnSample(func(s types.Sample) {
		fmt.Printf("\n<- %s\n", formatSample(s))
	})
	c.OnDisconnect(func(err error) {
		fmt.Printf("\ndisconnected: %v\n", err)
	})
	return r
}

// Run runs the shell until quit or EOF.
func (r *REPL) Run() {
	fmt.Println("labfeed shell - type 'help' for commands")

	p := prompt.New(
		r.execute,
		r.complete,
		prompt.OptionPrefix("labfeed> "),
		prompt.OptionTitle("labfeedctl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return r.quit
		}),
	)
	p.Run()
}

var commands = []prompt.Suggest{
	{Text: "create-feed", Description: "create-feed <feed> <scalar|vector|blob> [retention]"},
	{Text: "delete-feed", Description: "delete-feed <feed>"},
	{Text: "publish", Description: "publish <feed> <ts-ms> <value> [value...]"},
	{Text: "read", Description: "read <feed> <from-ms> <to-ms> [limit]"},
	{Text: "latest", Description: "latest <feed>"},
	{Text: "sub", Description: "sub <feed> [from-ms]"},
	{Text: "unsub", Description: "unsub <subscription-id>"},
	{Text: "grant", Description: "grant <user> <pattern> <read|write>"},
	{Text: "revoke", Description: "revoke <user> <pattern> <read|write>"},
	{Text: "help", Description: "show commands"},
	{Text: "quit", Description: "exit the shell"},
}

func (r *REPL) complete(d prompt.Document) []prompt.Suggest {
	if strings.Contains(d.TextBeforeCursor(), " ") {
		return nil
	}
	return prompt.FilterHasPrefix(commands, d.GetWordBeforeCursor(), true)
}

func (r *REPL) execute(line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch args[0] {
	case "help":
		for _, c := range commands {
			fmt.Printf("  %-12s %s\n", c.Text, c.Description)
		}
	case "quit", "exit":
		r.quit = true
	case "create-feed":
		err = r.createFeed(ctx, args[1:])
	case "delete-feed":
		err = expectArgs(args[1:], 1, func(a []string) error {
			return r.client.DeleteFeed(ctx, a[0])
		})
	case "publish":
		err = r.publish(ctx, args[1:])
	case "read":
		err = r.read(ctx, args[1:])
	case "latest":
		err = r.latest(ctx, args[1:])
	case "sub":
		err = r.subscribe(ctx, args[1:])
	case "unsub":
		err = expectArgs(args[1:], 1, func(a []string) error {
			return r.client.Unsubscribe(ctx, a[0])
		})
	case "grant":
		err = expectArgs(args[1:], 3, func(a []string) error {
			return r.client.Grant(ctx, a[0], a[1], a[2])
		})
	case "revoke":
		err = expectArgs(args[1:], 3, func(a []string) error {
			return r.client.Revoke(ctx, a[0], a[1], a[2])
		})
	default:
		err = fmt.Errorf("unknown command %q, try 'help'", args[0])
	}

	if err != nil {
		fmt.Printf("error: %v\n", err)
	} else if args[0] != "help" {
		fmt.Println("ok")
	}
}

func expectArgs(args []string, n int, fn func([]string) error) error {
	if len(args) != n {
		return fmt.Errorf("expected %d arguments, got %d", n, len(args))
	}
	return fn(args)
}

func (r *REPL) createFeed(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: create-feed <feed> <scalar|vector|blob> [retention]")
	}
	vt, ok := feed.ParseValueType(args[1])
	if !ok {
		return fmt.Errorf("unknown value type %q", args[1])
	}
	var retention time.Duration
	if len(args) == 3 {
		var err error
		if retention, err = time.ParseDuration(args[2]); err != nil {
			return fmt.Errorf("retention: %w", err)
		}
	}
	return r.client.CreateFeed(ctx, args[0], vt, retention)
}

func (r *REPL) publish(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: publish <feed> <ts-ms> <value> [value...]")
	}
	ts, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}

	sample := types.Sample{FeedID: args[0], TimestampMs: ts}
	if len(args) == 3 {
		sample.ValueType = feed.ValueScalar
		if sample.Scalar, err = strconv.ParseFloat(args[2], 64); err != nil {
			return fmt.Errorf("value: %w", err)
		}
	} else {
		sample.ValueType = feed.ValueVector
		for _, v := range args[2:] {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("value %q: %w", v, err)
			}
			sample.Vector = append(sample.Vector, f)
		}
	}

	ack, err := r.client.Publish(ctx, sample, nil)
	if err != nil {
		return err
	}
	fmt.Printf("ack ts=%d seq=%d late=%v\n", ack.TimestampMs, ack.Seq, ack.Late)
	return nil
}

func (r *REPL) read(ctx context.Context, args []string) error {
	if len(args) < 3 || len(args) > 4 {
		return fmt.Errorf("usage: read <feed> <from-ms> <to-ms> [limit]")
	}
	from, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("from: %w", err)
	}
	to, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("to: %w", err)
	}
	limit := 0
	if len(args) == 4 {
		if limit, err = strconv.Atoi(args[3]); err != nil {
			return fmt.Errorf("limit: %w", err)
		}
	}

	samples, partial, err := r.client.ReadRange(ctx, args[0], from, to, limit)
	if err != nil && !partial {
		return err
	}
	for _, s := range samples {
		fmt.Println(formatSample(s))
	}
	if partial {
		fmt.Printf("partial result (durable storage unavailable: %v)\n", err)
	}
	fmt.Printf("%d samples\n", len(samples))
	return nil
}

func (r *REPL) latest(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: latest <feed>")
	}
	sample, ok, err := r.client.ReadLatest(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("no samples")
		return nil
	}
	fmt.Println(formatSample(sample))
	return nil
}

func (r *REPL) subscribe(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: sub <feed> [from-ms]")
	}
	from := int64(-1)
	if len(args) == 2 {
		var err error
		if from, err = strconv.ParseInt(args[1], 10, 64); err != nil {
			return fmt.Errorf("from: %w", err)
		}
	}
	subID, err := r.client.Subscribe(ctx, args[0], from)
	if err != nil {
		return err
	}
	fmt.Printf("subscribed %s\n", subID)
	return nil
}

func formatSample(s types.Sample) string {
	var value string
	switch s.ValueType {
	case feed.ValueScalar:
		value = strconv.FormatFloat(s.Scalar, 'g', -1, 64)
	case feed.ValueVector:
		parts := make([]string, len(s.Vector))
		for i, v := range s.Vector {
			parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		value = "[" + strings.Join(parts, " ") + "]"
	case feed.ValueBlob:
		value = fmt.Sprintf("blob(%d bytes)", len(s.Blob))
	}

	out := fmt.Sprintf("%s ts=%d seq=%d %s", s.FeedID, s.TimestampMs, s.Seq, value)
	if s.Late {
		out += " late"
	}
	return out
}
