package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ent0n29/doubtdesk/internal/app"
	"github.com/ent0n29/doubtdesk/internal/conversation"
	"github.com/ent0n29/doubtdesk/internal/identity"
	"github.com/ent0n29/doubtdesk/internal/protocol"
	"github.com/ent0n29/doubtdesk/internal/session"
)

const chatHelp = `Type a doubt and press enter. Commands:
  /continue        keep the earlier question after a topic switch
  /new             start a new doubt session for the switched question
  /good N          mark mentor message N helpful
  /bad N           mark mentor message N unhelpful
  /report N        report mentor message N
  /load ID         open an existing session
  /reset           start over with an empty chat
  /help            show this help
  /quit            exit`

type chatOptions struct {
	userID string
	token  string
}

func newChatCmd() *cobra.Command {
	opts := chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask doubts from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runChat(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.userID, "user", "local-learner", "learner id")
	cmd.Flags().StringVar(&opts.token, "token", "local", "bearer credential sent with each question")
	return cmd
}

func runChat(ctx context.Context, opts chatOptions, in io.Reader, out io.Writer) error {
	cfg, logger, err := loadConfig(os.Stderr, slog.LevelWarn)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	reg := prometheus.NewRegistry()
	res, err := app.Build(ctx, cfg, app.Options{Logger: logger, Registerer: reg, Gatherer: reg})
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Error("cleanup failed", "error", err)
		}
	}()

	view := res.Hub.Create(opts.userID)
	defer func() { _ = res.Hub.Close(view.ID) }()
	events, unsubscribe := view.Subscribe(32)
	defer unsubscribe()

	ctx = identity.WithPrincipal(ctx, identity.Principal{UserID: opts.userID, Token: opts.token})
	r := &chatRenderer{out: out}
	fmt.Fprintln(out, chatHelp)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		cmd, err := parseChatCommand(scanner.Text())
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			continue
		}
		switch cmd.kind {
		case cmdNone:
			continue
		case cmdQuit:
			return nil
		case cmdHelp:
			fmt.Fprintln(out, chatHelp)
			continue
		}

		err = runChatCommand(ctx, view.Manager(), cmd)
		var turnErr *conversation.TurnError
		switch {
		case err == nil && cmd.kind == cmdFeedback:
			fmt.Fprintf(out, "feedback on [%d] recorded\n", cmd.index)
		case err != nil && !errors.As(err, &turnErr):
			fmt.Fprintln(out, "error:", err)
		}
		drainSelections(ctx, view.Manager(), events)
		r.render(view.Manager().Snapshot())
	}
}

func runChatCommand(ctx context.Context, m *conversation.Manager, cmd chatCommand) error {
	switch cmd.kind {
	case cmdAsk:
		return m.SubmitTurn(ctx, cmd.arg)
	case cmdContinue:
		return m.ResolvePendingContinue()
	case cmdNewTopic:
		return m.ResolvePendingNewTopic(ctx)
	case cmdLoad:
		return m.LoadSession(ctx, cmd.arg)
	case cmdReset:
		return m.LoadSession(ctx, "")
	case cmdFeedback:
		messages := m.Snapshot().Messages
		if cmd.index < 1 || cmd.index > len(messages) {
			return fmt.Errorf("no message %d", cmd.index)
		}
		return m.SubmitFeedback(ctx, messages[cmd.index-1].ID, cmd.feedback)
	default:
		return protocol.ErrUnsupportedType
	}
}

// drainSelections plays the session list: a newly created session is opened
// right away, which the manager recognises as its own selection.
func drainSelections(ctx context.Context, m *conversation.Manager, events <-chan any) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if sel, isSel := ev.(protocol.SessionSelected); isSel {
				_ = m.LoadSession(ctx, sel.SessionID)
			}
		default:
			return
		}
	}
}

type commandKind int

const (
	cmdNone commandKind = iota
	cmdAsk
	cmdContinue
	cmdNewTopic
	cmdFeedback
	cmdLoad
	cmdReset
	cmdHelp
	cmdQuit
)

type chatCommand struct {
	kind     commandKind
	arg      string
	index    int
	feedback session.FeedbackType
}

func parseChatCommand(line string) (chatCommand, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return chatCommand{kind: cmdNone}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return chatCommand{kind: cmdAsk, arg: line}, nil
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(name) {
	case "continue":
		return chatCommand{kind: cmdContinue}, nil
	case "new":
		return chatCommand{kind: cmdNewTopic}, nil
	case "good", "bad", "report":
		n, err := strconv.Atoi(rest)
		if err != nil || n < 1 {
			return chatCommand{}, fmt.Errorf("/%s needs a message number", name)
		}
		fb := map[string]session.FeedbackType{
			"good":   session.FeedbackPositive,
			"bad":    session.FeedbackNegative,
			"report": session.FeedbackReport,
		}[strings.ToLower(name)]
		return chatCommand{kind: cmdFeedback, index: n, feedback: fb}, nil
	case "load":
		if rest == "" {
			return chatCommand{}, errors.New("/load needs a session id")
		}
		return chatCommand{kind: cmdLoad, arg: rest}, nil
	case "reset":
		return chatCommand{kind: cmdReset}, nil
	case "help", "?":
		return chatCommand{kind: cmdHelp}, nil
	case "quit", "exit":
		return chatCommand{kind: cmdQuit}, nil
	default:
		return chatCommand{}, fmt.Errorf("unknown command /%s", name)
	}
}

// chatRenderer prints what changed since the previous snapshot.
type chatRenderer struct {
	out     io.Writer
	shown   []string
	session string
	pending bool
}

func (r *chatRenderer) render(s conversation.Snapshot) {
	start := len(r.shown)
	if s.ActiveSessionID != r.session || !r.prefixMatches(s) {
		start = 0
		if s.ActiveSessionID != "" && s.ActiveSessionID != r.session {
			fmt.Fprintf(r.out, "--- session %s ---\n", s.ActiveSessionID)
		} else if len(s.Messages) == 0 {
			fmt.Fprintln(r.out, "--- new chat ---")
		}
	}
	for i := start; i < len(s.Messages); i++ {
		msg := s.Messages[i]
		fmt.Fprintf(r.out, "[%d] %s: %s%s\n", i+1, msg.Role, msg.Content, feedbackMark(msg))
	}

	r.shown = r.shown[:0]
	for _, msg := range s.Messages {
		r.shown = append(r.shown, msg.ID)
	}
	r.session = s.ActiveSessionID

	if s.Pending != nil && !r.pending {
		fmt.Fprintf(r.out, "mentor: %s\n  (/continue to stay on the earlier question, /new to start a new doubt)\n", s.Pending.Reply)
	}
	r.pending = s.Pending != nil

	if start < len(s.Messages) && len(s.Suggestions) > 0 {
		fmt.Fprintln(r.out, "related lectures:")
		for _, l := range s.Suggestions {
			fmt.Fprintf(r.out, "  - %s (%s, %s)\n", l.Title, l.ChapterTitle, l.Subject)
		}
	}
	if s.ChatClosed {
		fmt.Fprintln(r.out, "this doubt is closed. /reset to ask something new")
	}
}

// prefixMatches reports whether the messages already printed are still at the
// head of the transcript under the same ids.
func (r *chatRenderer) prefixMatches(s conversation.Snapshot) bool {
	if len(s.Messages) < len(r.shown) {
		return false
	}
	for i, id := range r.shown {
		if s.Messages[i].ID != id {
			return false
		}
	}
	return true
}

func feedbackMark(msg session.Message) string {
	if !msg.FeedbackSubmitted {
		return ""
	}
	return " [" + string(msg.FeedbackType) + "]"
}
