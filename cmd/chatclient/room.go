package main

import (
	"bufio"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omochice/roomlink/internal/chat"
	"github.com/omochice/roomlink/internal/client"
	"github.com/omochice/roomlink/internal/room"
)

var roomCmd = &cobra.Command{
	Use:   "room <id>",
	Short: "Join a room and chat from the terminal",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoom,
}

func runRoom(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	a.serveMetrics(ctx)

	id := chat.ID(args[0])
	if err := a.client.Focus(ctx, id); err != nil {
		return describe(err)
	}
	out := cmd.OutOrStdout()
	if !a.client.Visible() {
		return fmt.Errorf("you are not a member of room %s", id)
	}

	v := &view{out: out, client: a.client, printed: make(map[chat.ID]struct{})}
	v.printTimeline()
	go v.follow()

	fmt.Fprintln(out, "Type your messages (/attach <file>, /quit to exit):")
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case text, ok := <-lines:
			if !ok {
				return nil
			}
			if done := v.handleInput(strings.TrimSpace(text)); done {
				return nil
			}
		}
	}
}

// view renders room updates to the terminal.
type view struct {
	out     io.Writer
	client  *client.Client
	printed map[chat.ID]struct{}
}

func (v *view) handleInput(text string) bool {
	switch {
	case text == "":
		return false
	case text == "/quit" || text == "/exit":
		return true
	case strings.HasPrefix(text, "/attach "):
		att, err := readAttachment(strings.TrimSpace(strings.TrimPrefix(text, "/attach ")))
		if err != nil {
			fmt.Fprintf(v.out, "! %v\n", err)
			return false
		}
		_ = v.client.Attach(att)
		fmt.Fprintf(v.out, "* %s attached to the next message\n", att.Filename)
		return false
	}

	v.client.Keystroke()
	_ = v.client.SetDraft(text)
	if err := v.client.Submit(); err != nil {
		fmt.Fprintf(v.out, "! failed to send: %v\n", err)
	}
	return false
}

func (v *view) follow() {
	for u := range v.client.Updates() {
		switch u.Kind {
		case room.UpdateTimeline:
			v.printTimeline()
		case room.UpdateTyping:
			users := v.client.TypingUsers()
			if len(users) > 0 {
				fmt.Fprintf(v.out, "* %s typing...\n", names(users))
			}
		case room.UpdatePresence:
			fmt.Fprintf(v.out, "* live: %s\n", names(v.client.LiveUsers()))
		case room.UpdateError:
			fmt.Fprintf(v.out, "! %v\n", describe(u.Err))
		}
	}
}

// printTimeline prints messages not shown yet, in timeline order.
func (v *view) printTimeline() {
	for _, m := range v.client.Timeline() {
		if _, ok := v.printed[m.ID]; ok {
			continue
		}
		v.printed[m.ID] = struct{}{}
		author := m.Author.Fullname
		if author == "" {
			author = string(m.AuthorID)
		}
		line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), author, m.Content)
		if m.AttachmentRef != "" {
			line += " <" + m.AttachmentRef + ">"
		}
		fmt.Fprintln(v.out, line)
	}
}

func names(users []chat.User) string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Fullname
		if out[i] == "" {
			out[i] = string(u.ID)
		}
	}
	return strings.Join(out, ", ")
}

func readAttachment(path string) (*chat.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &chat.Attachment{Filename: filepath.Base(path), ContentType: contentType, Data: data}, nil
}
