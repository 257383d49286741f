package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/ergochat/readline"

	"github.com/shapesync/shapesync"
	"github.com/shapesync/shapesync/feed"
	"github.com/shapesync/shapesync/model"
	"github.com/shapesync/shapesync/utils"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("list"),
	readline.PcItem("add"),
	readline.PcItem("toggle"),
	readline.PcItem("del"),
	readline.PcItem("pending"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

const usage = `list            show todos
add <text>      add a todo (optimistic)
toggle <id>     flip completion
del <id>        delete a todo
pending         show in-flight mutations
exit            quit`

type cli struct {
	session *shapesync.Session[model.Todo]
	user    string
}

func (c *cli) run(line string) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	ctx := context.Background()

	switch cmd {
	case "", "help":
		fmt.Println(usage)
	case "list":
		for _, t := range c.session.List() {
			mark := " "
			if t.Completed {
				mark = "x"
			}
			fmt.Printf("[%s] %s  %s\n", mark, t.ID, t.Text)
		}
	case "add":
		if arg == "" {
			return errors.New("add what?")
		}
		_, err := c.session.Insert(ctx, model.Todo{UserID: c.user, Text: arg})
		return err
	case "toggle":
		_, err := c.session.Update(ctx, arg, func(t model.Todo) model.Todo {
			t.Completed = !t.Completed
			return t
		})
		return err
	case "del":
		_, err := c.session.Delete(ctx, arg)
		return err
	case "pending":
		fmt.Printf("%d in flight\n", c.session.Tracker().Len())
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: shapesync <server-url> <user-id>")
		os.Exit(2)
	}
	serverURL, user := os.Args[1], os.Args[2]
	log := utils.NewDefaultLogger(slog.LevelWarn)

	gateway, err := shapesync.NewHTTPGateway(shapesync.HTTPGatewayOptions{
		BaseURL: serverURL + "/api",
		UserID:  user,
		Log:     log,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	feedClient, err := feed.NewClient(feed.ClientOptions{
		URL:    serverURL + "/api/" + model.TableTodos,
		Table:  model.TableTodos,
		Params: url.Values{"user_id": {user}},
		Log:    log,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	session, err := shapesync.NewSession(shapesync.SessionOptions[model.Todo]{
		Table:   model.TableTodos,
		Key:     model.Todo.Key,
		SetKey:  model.Todo.WithKey,
		Gateway: gateway,
		Feed:    feedClient,
		Log:     log,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feedClient.Run(ctx) }()
	go func() { _ = session.Run(ctx) }()

	l, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".shapesync_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	c := &cli{session: session, user: user}
	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			break
		}
		if line == "exit" || line == "quit" {
			break
		}
		if err := c.run(line); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
		}
	}
}
