package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"sudooom.im.client/internal/chat"
	"sudooom.im.client/internal/connection"
)

const helpText = `commands:
  /rooms                         list conversations
  /start <userId> [name]         start or reuse a conversation
  /open <conversationId>         open a conversation (loads history, clears unread)
  /history <conversationId> [page] [force]
  /send <conversationId> <text>  send a message
  /file <conversationId> <url> [text]
  /read <conversationId>         mark a conversation read
  /state                         socket state and unread total
  /quit`

// chatService REPL 需要的服务能力
type chatService interface {
	ConnectionState() connection.State
	Rooms() []chat.Conversation
	Messages(conversationID string) []chat.Message
	TotalUnread() int
	StartConversation(counterpartID, counterpartName string) string
	SetActive(conversationID string)
	MarkRead(conversationID string)
	LoadHistory(ctx context.Context, conversationID string, page, pageSize int, force bool) error
	AppendOutbound(conversationID, body, attachmentURL string) bool
	Subscribe(fn func(chat.Event)) func()
}

type repl struct {
	svc chatService
	in  io.Reader
	out io.Writer
}

func newREPL(svc chatService, in io.Reader, out io.Writer) *repl {
	return &repl{svc: svc, in: in, out: out}
}

// Run 逐行读取命令直到 /quit、EOF 或 ctx 结束
func (r *repl) Run(ctx context.Context) {
	unsub := r.svc.Subscribe(func(ev chat.Event) {
		if ev.Kind == chat.EventMessages && ev.Message != nil && !ev.Message.IsOwn {
			fmt.Fprintf(r.out, "\n[%s] %s: %s\n", ev.ConversationID, ev.Message.SenderUserID, ev.Message.Body)
		}
	})
	defer unsub()

	fmt.Fprintln(r.out, helpText)
	scanner := bufio.NewScanner(r.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if !r.exec(ctx, strings.TrimSpace(scanner.Text())) {
			return
		}
	}
}

// exec 执行一条命令，返回 false 表示退出
func (r *repl) exec(ctx context.Context, line string) bool {
	if line == "" {
		return true
	}
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return false

	case "/rooms":
		r.printRooms()

	case "/start":
		userID, name, _ := strings.Cut(rest, " ")
		id := r.svc.StartConversation(userID, strings.TrimSpace(name))
		if id == "" {
			fmt.Fprintln(r.out, "cannot start conversation: unknown user")
			return true
		}
		fmt.Fprintln(r.out, "conversation", id)

	case "/open":
		if rest == "" {
			fmt.Fprintln(r.out, "usage: /open <conversationId>")
			return true
		}
		r.svc.SetActive(rest)
		r.loadAndPrint(ctx, rest, 1, false)

	case "/history":
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			fmt.Fprintln(r.out, "usage: /history <conversationId> [page] [force]")
			return true
		}
		page := 1
		if len(fields) > 1 {
			if n, err := strconv.Atoi(fields[1]); err == nil {
				page = n
			}
		}
		force := len(fields) > 2 && fields[2] == "force"
		r.loadAndPrint(ctx, fields[0], page, force)

	case "/send":
		id, text, _ := strings.Cut(rest, " ")
		r.send(id, text, "")

	case "/file":
		fields := strings.SplitN(rest, " ", 3)
		if len(fields) < 2 {
			fmt.Fprintln(r.out, "usage: /file <conversationId> <url> [text]")
			return true
		}
		text := ""
		if len(fields) == 3 {
			text = fields[2]
		}
		r.send(fields[0], text, fields[1])

	case "/read":
		r.svc.MarkRead(rest)

	case "/state":
		fmt.Fprintf(r.out, "socket %s, unread %d\n", r.svc.ConnectionState(), r.svc.TotalUnread())

	default:
		fmt.Fprintln(r.out, helpText)
	}
	return true
}

func (r *repl) send(conversationID, body, fileURL string) {
	if r.svc.ConnectionState() != connection.StateOpen {
		fmt.Fprintln(r.out, "connecting, please wait")
		return
	}
	if !r.svc.AppendOutbound(conversationID, body, fileURL) {
		fmt.Fprintln(r.out, "message not sent")
	}
}

func (r *repl) loadAndPrint(ctx context.Context, conversationID string, page int, force bool) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := r.svc.LoadHistory(ctx, conversationID, page, 0, force); err != nil {
		fmt.Fprintln(r.out, "history unavailable, requested over socket:", err)
	}
	for _, m := range r.svc.Messages(conversationID) {
		who := m.SenderUserID
		if m.IsOwn {
			who = "me"
		}
		line := m.Body
		if m.AttachmentURL != "" {
			line = strings.TrimSpace(line + " " + m.AttachmentURL)
		}
		fmt.Fprintf(r.out, "%s %s: %s\n", m.CreatedAt.Local().Format("01-02 15:04"), who, line)
	}
}

func (r *repl) printRooms() {
	rooms := r.svc.Rooms()
	if len(rooms) == 0 {
		fmt.Fprintln(r.out, "no conversations")
		return
	}

	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tUNREAD\tLAST")
	for _, c := range rooms {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.ID, c.DisplayName, c.UnreadCount, c.LastMessageText)
	}
	tw.Flush()
}
