package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/dotsetgreg/dotavatar/pkg/memory"
)

const shellHelp = `Commands:
  store [type:]<text>     remember something (e.g. "store birthday: Mom on June 5")
  recall [k] <query>      rank memories against a query
  proactive               list reminders worth bringing up
  consolidate             merge near-duplicate memories
  respond <emotion>       suggest an avatar reaction
  profile                 summarize memories by category
  get <memory-id>         show one memory
  help                    show this help
  exit                    leave the shell`

var errShellExit = errors.New("exit")

func interactiveShell(ctx context.Context, engine *memory.Engine, userID string, out io.Writer) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s [%s]> ", appName, userID),
		HistoryFile:     filepath.Join(os.TempDir(), ".dotavatar_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(out, "Error initializing readline: %v\n", err)
		fmt.Fprintln(out, "Falling back to simple input mode...")
		return simpleShell(ctx, engine, userID, os.Stdin, out)
	}
	defer rl.Close()

	fmt.Fprintf(out, "%s memory shell for %s (type \"help\", Ctrl+C to exit)\n\n", appName, userID)
	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(out, "\nGoodbye!")
				return nil
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			continue
		}
		if done := runShellLine(ctx, engine, userID, line, out); done {
			return nil
		}
	}
}

func simpleShell(ctx context.Context, engine *memory.Engine, userID string, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(out, "%s [%s]> ", appName, userID)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(out, "\nGoodbye!")
				return nil
			}
			return err
		}
		if done := runShellLine(ctx, engine, userID, line, out); done {
			return nil
		}
	}
}

// runShellLine executes one shell command and reports whether the shell
// should stop. Command errors are printed, not returned.
func runShellLine(ctx context.Context, engine *memory.Engine, userID, line string, out io.Writer) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}
	err := dispatchShell(ctx, engine, userID, input, out)
	if errors.Is(err, errShellExit) {
		fmt.Fprintln(out, "Goodbye!")
		return true
	}
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
	}
	return false
}

func dispatchShell(ctx context.Context, engine *memory.Engine, userID, input string, out io.Writer) error {
	verb, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "exit", "quit":
		return errShellExit
	case "help", "?":
		fmt.Fprintln(out, shellHelp)
		return nil
	case "store":
		req := memory.StoreRequest{UserID: userID, Text: rest}
		if tag, text, ok := strings.Cut(rest, ":"); ok && !strings.ContainsAny(tag, " \t") {
			req.Type = memory.MemoryType(tag)
			req.Text = strings.TrimSpace(text)
		}
		rec, err := engine.Store(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Stored %s (%s, %s %.2f)\n", rec.ID, rec.Type, rec.Emotion.Label, rec.Emotion.Confidence)
		return nil
	case "recall":
		req := memory.RecallRequest{UserID: userID, Query: rest, TopK: 5}
		if first, query, ok := strings.Cut(rest, " "); ok {
			if k, err := strconv.Atoi(first); err == nil {
				req.TopK = k
				req.Query = query
			}
		}
		hits, err := engine.Recall(ctx, req)
		if err != nil {
			return err
		}
		if len(hits) == 0 {
			fmt.Fprintln(out, "Nothing remembered yet.")
		}
		for i, h := range hits {
			fmt.Fprintf(out, "%d. [%.3f] %s\n", i+1, h.Score, h.Record.Summary)
		}
		return nil
	case "proactive":
		records, err := engine.ProactiveRecall(ctx, userID)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Fprintln(out, "No reminders.")
		}
		for _, rec := range records {
			fmt.Fprintf(out, "- Remind about %s\n", rec.Summary)
		}
		return nil
	case "consolidate":
		n, err := engine.Consolidate(ctx, userID)
		fmt.Fprintf(out, "Merged %d group(s)\n", n)
		return err
	case "respond":
		resp, err := engine.SynthesizeResponse(ctx, userID, rest)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "(%s eyes, %s mouth, %s eyebrows) [%s] %s\n",
			resp.Expression.Eyes, resp.Expression.Mouth, resp.Expression.Eyebrows, resp.Tone, resp.SuggestedResponse)
		return nil
	case "profile":
		p, err := engine.Profile(ctx, userID)
		if err != nil {
			return err
		}
		return writeJSON(out, p)
	case "get":
		rec, err := engine.Get(ctx, userID, rest)
		if err != nil {
			return err
		}
		return writeJSON(out, rec)
	default:
		return fmt.Errorf("unknown command %q (type \"help\")", verb)
	}
}
