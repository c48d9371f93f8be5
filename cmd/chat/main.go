// Command chat is a line-oriented terminal client. Plain lines are sent to the
// active channel; lines starting with / are commands (see /help).
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/client"
	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/ids"
	"github.com/Hammad-Izhar/wire-protocols-sub000/pkg/protocol"
)

const helpText = `Commands:
  /register <username> <password> [display name]
  /login <username> [password]
  /search <regex>              list matching accounts
  /channels                    list your channels
  /join <name|uuid>            select the active channel
  /create <name> [username...] create a channel (usernames from the last /search)
  /rename <name>               rename the active channel
  /history                     show the active channel's messages
  /read <id>  /unread <id>  /delete <id>  /edit <id> <text>
  /nick <display name>  /avatar <url>  /passwd <old> <new>
  /deleteaccount <password>
  /status                      show the connection and traffic counters
  /quit`

func main() {
	defaultState := filepath.Join(userConfigDir(), "wirechat", "state.db")

	serverAddr := flag.String("server", "", "Server address (host:port, tcp://, ws:// or wss://)")
	codecName := flag.String("codec", "", "Body codec: binary or json (must match the server)")
	statePath := flag.String("state", defaultState, "Path to the client state database")
	ephemeral := flag.Bool("ephemeral", false, "Do not read or write the state database")
	debug := flag.Bool("debug", false, "Log connection events to stderr")
	flag.Parse()

	var state client.StateInterface = client.NewMemoryState()
	if !*ephemeral {
		st, err := client.OpenState(*statePath)
		if err != nil {
			log.Printf("State unavailable, continuing without it: %v", err)
		} else {
			state = st
		}
	}
	defer state.Close()

	addr := firstNonEmpty(*serverAddr, state.GetLastServer(), "localhost:6000")
	name := firstNonEmpty(*codecName, state.GetCodec(), protocol.CodecBinary)
	codec, err := protocol.CodecByName(name)
	if err != nil {
		log.Fatalf("Invalid codec: %v", err)
	}

	sess := client.NewSession(codec)
	if *debug {
		sess.SetLogger(log.New(os.Stderr, "[client] ", log.LstdFlags|log.Lmicroseconds))
	}
	if err := sess.ConnectAddr(addr); err != nil {
		log.Fatalf("Failed to connect to %s: %v", addr, err)
	}
	defer sess.Disconnect()

	state.SetLastServer(addr)
	state.SetCodec(codec.Name())

	fmt.Printf("Connected to %s (%s). Type /help for commands.\n", addr, codec.Name())
	if last := state.GetLastUsername(); last != "" {
		fmt.Printf("Last login: %s (/login %s)\n", last, last)
	}

	ui := &terminal{sess: sess, state: state, out: os.Stdout, accounts: make(map[string]uuid.UUID)}
	go ui.printUpdates()
	ui.run(os.Stdin)
}

type terminal struct {
	sess  *client.Session
	state client.StateInterface
	out   io.Writer

	mu       sync.Mutex
	accounts map[string]uuid.UUID // username -> uid from the last search
	pending  string               // username of the last login/register attempt
}

func (t *terminal) printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

func (t *terminal) run(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		if err := t.handleLine(line); err != nil {
			t.printf("! %v", err)
		}
	}
}

func (t *terminal) handleLine(line string) error {
	if !strings.HasPrefix(line, "/") {
		ch, ok := t.sess.ActiveChannel()
		if !ok {
			return errors.New("no active channel, use /join")
		}
		return t.sess.SendTextMessage(ch.UID, line)
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	args := strings.Fields(rest)

	switch cmd {
	case "help":
		t.printf("%s", helpText)
		return nil
	case "register":
		if len(args) < 2 {
			return errors.New("usage: /register <username> <password> [display name]")
		}
		display := args[0]
		if len(args) > 2 {
			display = strings.Join(args[2:], " ")
		}
		t.setPending(args[0])
		return t.sess.Register(args[0], display, args[1])
	case "login":
		if len(args) < 1 {
			return errors.New("usage: /login <username> [password]")
		}
		password := ""
		if len(args) > 1 {
			password = args[1]
		}
		t.setPending(args[0])
		return t.sess.Login(args[0], password)
	case "search":
		return t.sess.SearchAccounts(strings.TrimSpace(rest))
	case "channels":
		for _, ch := range t.sess.Channels() {
			t.printf("  %s  %s (%d members)", ch.UID, ch.Name, len(ch.UserUIDs))
		}
		return nil
	case "join":
		return t.join(strings.TrimSpace(rest))
	case "create":
		if len(args) < 1 {
			return errors.New("usage: /create <name> [username...]")
		}
		members, err := t.lookup(args[1:])
		if err != nil {
			return err
		}
		return t.sess.CreateChannel(args[0], members)
	case "rename":
		ch, ok := t.sess.ActiveChannel()
		if !ok {
			return errors.New("no active channel")
		}
		return t.sess.RenameChannel(ch.UID, strings.TrimSpace(rest))
	case "history":
		for _, m := range t.sess.ActiveMessages() {
			t.printf("%s", t.formatMessage(&m))
		}
		return nil
	case "read", "unread", "delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: /%s <id>", cmd)
		}
		sf, err := ids.ParseSnowflake(args[0])
		if err != nil {
			return err
		}
		switch cmd {
		case "read":
			return t.sess.ReadMessage(sf)
		case "unread":
			return t.sess.UnreadMessage(sf)
		}
		return t.sess.DeleteMessage(sf)
	case "edit":
		idStr, text, ok := strings.Cut(strings.TrimSpace(rest), " ")
		if !ok {
			return errors.New("usage: /edit <id> <text>")
		}
		sf, err := ids.ParseSnowflake(idStr)
		if err != nil {
			return err
		}
		return t.sess.EditMessage(sf, text)
	case "status":
		st, ok := t.sess.Status()
		if !ok {
			return client.ErrNotConnected
		}
		t.printf("  %s (%s, %s codec) at %s", st.Address, st.Type, st.Codec, st.RawAddress)
		t.printf("  sent %d bytes, received %d bytes", st.BytesSent, st.BytesReceived)
		return nil
	case "nick":
		return t.sess.UpdateDisplayName(strings.TrimSpace(rest))
	case "avatar":
		return t.sess.UpdateProfilePicture(strings.TrimSpace(rest))
	case "passwd":
		if len(args) != 2 {
			return errors.New("usage: /passwd <old> <new>")
		}
		return t.sess.ResetPassword(args[0], args[1])
	case "deleteaccount":
		if len(args) != 1 {
			return errors.New("usage: /deleteaccount <password>")
		}
		return t.sess.DeleteAccount(args[0])
	default:
		return fmt.Errorf("unknown command /%s", cmd)
	}
}

func (t *terminal) setPending(username string) {
	t.mu.Lock()
	t.pending = username
	t.mu.Unlock()
}

func (t *terminal) join(target string) error {
	if id, err := uuid.Parse(target); err == nil {
		return t.sess.SetActiveChannel(id)
	}
	for _, ch := range t.sess.Channels() {
		if strings.EqualFold(ch.Name, target) {
			return t.sess.SetActiveChannel(ch.UID)
		}
	}
	return fmt.Errorf("%w: %s", client.ErrUnknownChannel, target)
}

func (t *terminal) lookup(usernames []string) ([]uuid.UUID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uuid.UUID, 0, len(usernames))
	for _, name := range usernames {
		uid, ok := t.accounts[name]
		if !ok {
			return nil, fmt.Errorf("unknown user %q, /search for them first", name)
		}
		out = append(out, uid)
	}
	return out, nil
}

func (t *terminal) formatMessage(m *protocol.Message) string {
	when := time.UnixMilli(m.CreatedAt).Format("15:04")
	edited := ""
	if m.ModifiedAt != m.CreatedAt {
		edited = " (edited)"
	}
	return fmt.Sprintf("[%s] %s %s: %s%s", when, m.Snowflake, t.senderName(m.SenderID), m.Text, edited)
}

func (t *terminal) senderName(uid uuid.UUID) string {
	if me, ok := t.sess.AuthenticatedUser(); ok && me.UID == uid {
		return me.DisplayName
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, id := range t.accounts {
		if id == uid {
			return name
		}
	}
	return uid.String()[:8]
}

func (t *terminal) printUpdates() {
	for u := range t.sess.Updates() {
		if u.Disconnected {
			t.printf("! connection lost: %v", u.Err)
			continue
		}
		if u.Err != nil {
			t.printf("! %s: %v", u.Op, u.Err)
			continue
		}

		switch u.Op {
		case protocol.OpRegisterAccount, protocol.OpLogin:
			t.mu.Lock()
			username := t.pending
			t.mu.Unlock()
			if username != "" {
				t.state.SetLastUsername(username)
			}
			t.printf("* logged in as %s (%s)", u.User.Username, u.User.DisplayName)
		case protocol.OpUpdateDisplayName, protocol.OpUpdateProfilePicture:
			t.printf("* profile updated: %s %s", u.User.DisplayName, u.User.ProfilePic)
		case protocol.OpDeleteAccount:
			t.printf("* account deleted")
		case protocol.OpResetPassword:
			t.printf("* password changed")
		case protocol.OpListAccounts:
			t.mu.Lock()
			for _, a := range u.Accounts {
				t.accounts[a.Username] = a.UID
			}
			t.mu.Unlock()
			for _, a := range u.Accounts {
				t.printf("  %s (%s)", a.Username, a.DisplayName)
			}
			t.printf("* %d account(s)", len(u.Accounts))
		case protocol.OpCreateChannel, protocol.OpUpdateChannelName:
			t.printf("* channel %s: %s", u.Channel.Name, u.Channel.UID)
		case protocol.OpSendMessage, protocol.OpEditMessage:
			if ch, ok := t.sess.ActiveChannel(); ok && ch.UID == u.Message.ChannelID {
				t.printf("%s", t.formatMessage(u.Message))
			}
		case protocol.OpReadMessage, protocol.OpUnreadMessage:
			t.printf("* message %s read by %d", u.Message.Snowflake, len(u.Message.ReadBy))
		case protocol.OpDeleteMessage:
			t.printf("* message %s deleted", u.Ref.Snowflake)
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return "."
}
