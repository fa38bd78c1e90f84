package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cipherchat/chat"
	"cipherchat/config"
	"cipherchat/crypto"
	"cipherchat/models"
	"cipherchat/observability"
	"cipherchat/storage"
)

const usage = `usage: cipherchat [-data-dir DIR] <command> [flags]

commands:
  init        create or load the local key pair and publish the public key
  contacts    list every other user in the directory
  send        send a text message
  send-image  upload an image and send it
  log         print a conversation, optionally following new messages
  chats       list conversations with unread counts
  read        mark a conversation as read
  sends       show the local send journal of a conversation
  events      show recorded security events
  encryption  show or set the local encryption toggle (on|off)
  logout      clear local keys and forget the identity
`

func main() {
	global := flag.NewFlagSet("cipherchat", flag.ExitOnError)
	dataDir := global.String("data-dir", "", "data directory (default: $"+config.DataDirEnv+" or the OS app data dir)")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	_ = global.Parse(os.Args[1:])

	args := global.Args()
	if len(args) == 0 {
		global.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(*dataDir)
	if err != nil {
		bootstrap := observability.NewLogger("cipherchat", version, config.DefaultLogLevel, os.Stderr)
		os.Exit(fail(bootstrap, "startup failed", err))
	}

	err = run(ctx, a, args[0], args[1:], os.Stdout)
	a.Close()
	if err != nil {
		os.Exit(fail(a.logger.WithComponent(args[0]), "command failed", err))
	}
}

// fail logs err and returns the process exit code.
func fail(logger *observability.Logger, msg string, err error) int {
	logger.Error(err, msg)
	return 1
}

func run(ctx context.Context, a *app, command string, args []string, out io.Writer) error {
	switch command {
	case "init":
		return cmdInit(ctx, a, args, out)
	case "contacts":
		return cmdContacts(ctx, a, out)
	case "send":
		return cmdSend(ctx, a, args, out)
	case "send-image":
		return cmdSendImage(ctx, a, args, out)
	case "log":
		return cmdLog(ctx, a, args, out)
	case "chats":
		return cmdChats(ctx, a, out)
	case "read":
		return cmdRead(ctx, a, args, out)
	case "sends":
		return cmdSends(a, args, out)
	case "events":
		return cmdEvents(a, args, out)
	case "encryption":
		return cmdEncryption(a, args, out)
	case "logout":
		return cmdLogout(ctx, a, out)
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

func cmdInit(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	identity := fs.String("identity", a.cfg.Identity, "user id to sign in as")
	username := fs.String("username", "", "display name published in the directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	uid := strings.TrimSpace(*identity)
	if uid == "" {
		return errors.New("-identity is required")
	}

	pair, created, err := a.keys.EnsureKeyPair(uid)
	if err != nil {
		return err
	}

	user, ok, err := a.directory.GetUser(ctx, uid)
	if err != nil {
		return err
	}
	if !ok {
		user = models.User{UID: uid, Username: uid}
	}
	if *username != "" {
		user.Username = *username
	}
	user.PublicKey = crypto.EncodeKey(pair.PublicKey)
	user.Status = models.StatusOnline
	if err := a.directory.SaveUser(ctx, user); err != nil {
		return err
	}

	if a.cfg.Identity != uid {
		a.cfg.Identity = uid
		if err := config.Save(a.cfgPath, a.cfg); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "Identity:        %s\n", uid)
	fmt.Fprintf(out, "Key Pair:        %s\n", map[bool]string{true: "generated", false: "loaded"}[created])
	fmt.Fprintf(out, "Fingerprint:     %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(pair.PublicKey)))
	fmt.Fprintf(out, "Config File:     %s\n", a.cfgPath)
	return nil
}

func cmdSend(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	to := fs.String("to", "", "recipient user id")
	text := fs.String("text", "", "message text")
	at := fs.Int64("at", 0, "timestamp in unix milliseconds (default: now)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sender, err := a.identity()
	if err != nil {
		return err
	}
	if *to == "" || *text == "" {
		return errors.New("-to and -text are required")
	}

	coordinator, err := a.coordinator()
	if err != nil {
		return err
	}
	request, err := coordinator.Submit(ctx, models.Message{
		SenderID:   sender,
		ReceiverID: *to,
		Timestamp:  timestampOrNow(*at),
		Type:       models.MessageTypeText,
		Content:    *text,
	})
	if err != nil {
		return err
	}
	printRequest(out, request)
	return nil
}

func cmdSendImage(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("send-image", flag.ContinueOnError)
	to := fs.String("to", "", "recipient user id")
	file := fs.String("file", "", "image file to upload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sender, err := a.identity()
	if err != nil {
		return err
	}
	if *to == "" || *file == "" {
		return errors.New("-to and -file are required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	coordinator, err := a.coordinator()
	if err != nil {
		return err
	}
	request, err := coordinator.SubmitImage(ctx, sender, *to, time.Now().UnixMilli(), data)
	if err != nil {
		return err
	}
	printRequest(out, request)
	return nil
}

func cmdLog(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("log", flag.ContinueOnError)
	with := fs.String("with", "", "peer user id")
	follow := fs.Bool("follow", false, "keep printing new messages until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *with == "" {
		return errors.New("-with is required")
	}

	session, err := a.session(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	if !*follow {
		messages, err := session.Messages(ctx, *with)
		if err != nil {
			return err
		}
		for _, msg := range messages {
			printMessage(out, msg)
		}
		return nil
	}

	conv, err := session.OpenConversation(*with)
	if err != nil {
		return err
	}
	defer session.CloseConversation(*with)

	privateKey, err := session.PrivateKey()
	if err != nil {
		return err
	}
	cursor := chat.NewCursor()
	for {
		for _, msg := range cursor.Unseen(conv.Messages(privateKey)) {
			printMessage(out, msg)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-conv.Updates():
		}
	}
}

func cmdContacts(ctx context.Context, a *app, out io.Writer) error {
	viewer, err := a.identity()
	if err != nil {
		return err
	}
	contacts, err := a.directory.ListContacts(ctx, viewer)
	if err != nil {
		return err
	}
	for _, user := range contacts {
		status := user.Status
		if status == "" {
			status = models.StatusOffline
		}
		key := "no key"
		if user.HasPublicKey() {
			key = "key"
		}
		fmt.Fprintf(out, "%-20s %-20s %-8s %s\n", user.UID, user.Username, status, key)
	}
	return nil
}

func cmdChats(ctx context.Context, a *app, out io.Writer) error {
	session, err := a.session(ctx)
	if err != nil {
		return err
	}
	defer session.Close()
	summaries, err := session.Chats(ctx)
	if err != nil {
		return err
	}
	privateKey, err := session.PrivateKey()
	if err != nil {
		return err
	}

	for _, summary := range summaries {
		preview := ""
		if summary.LastMessage != nil {
			preview = a.log.DecryptInbound([]models.Message{*summary.LastMessage}, privateKey)[0].Content
		}
		fmt.Fprintf(out, "%-20s unread=%-3d %s\n", summary.PeerID, summary.UnreadCount, preview)
	}
	return nil
}

func cmdRead(ctx context.Context, a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	with := fs.String("with", "", "peer user id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *with == "" {
		return errors.New("-with is required")
	}

	session, err := a.session(ctx)
	if err != nil {
		return err
	}
	defer session.Close()
	marked, err := session.MarkAsRead(ctx, *with)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Marked Read:     %d\n", marked)
	return nil
}

func cmdSends(a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sends", flag.ContinueOnError)
	with := fs.String("with", "", "peer user id")
	fingerprint := fs.String("fingerprint", "", "show a single submission")
	limit := fs.Int("limit", 50, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *fingerprint != "" {
		record, err := a.local.GetSendRecord(*fingerprint)
		if err != nil {
			return err
		}
		printSend(out, *record)
		return nil
	}

	viewer, err := a.identity()
	if err != nil {
		return err
	}
	if *with == "" {
		return errors.New("-with or -fingerprint is required")
	}
	records, err := a.local.ListSends(models.ConversationID(viewer, *with), *limit, 0)
	if err != nil {
		return err
	}
	for _, record := range records {
		printSend(out, record)
	}
	return nil
}

func cmdEvents(a *app, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	with := fs.String("with", "", "only events of the conversation with this peer")
	eventType := fs.String("type", "", "only events of this type")
	since := fs.Duration("since", 0, "only events newer than this, e.g. 24h")
	limit := fs.Int("limit", 50, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	viewer, err := a.identity()
	if err != nil {
		return err
	}

	filter := storage.SecurityEventFilter{Identity: viewer, Limit: *limit}
	if *with != "" {
		filter.ConversationID = models.ConversationID(viewer, *with)
	}
	if *eventType != "" {
		filter.EventTypes = []string{*eventType}
	}
	if *since > 0 {
		filter.Since = time.Now().Add(-*since).UnixMilli()
	}

	events, err := a.local.SecurityEvents(filter)
	if err != nil {
		return err
	}
	for _, event := range events {
		stamp := time.UnixMilli(event.Timestamp).Format("2006-01-02 15:04:05")
		fmt.Fprintf(out, "%s %-8s %-18s %s\n", stamp, event.Severity, event.EventType, event.Details)
	}

	counts, err := a.local.CountSecurityEvents(filter)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Decrypt Failed:  %d\n", counts[storage.SecurityEventDecryptFailed])
	fmt.Fprintf(out, "Hash Mismatch:   %d\n", counts[storage.SecurityEventHashMismatch])
	fmt.Fprintf(out, "Plaintext Sends: %d\n", counts[storage.SecurityEventPlaintextFallback])
	return nil
}

func cmdEncryption(a *app, args []string, out io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "on":
			if err := a.keys.SetEncryptionEnabled(true); err != nil {
				return err
			}
		case "off":
			if err := a.keys.SetEncryptionEnabled(false); err != nil {
				return err
			}
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
	}

	enabled, err := a.keys.EncryptionEnabled()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Encryption:      %s\n", map[bool]string{true: "on", false: "off"}[enabled])
	return nil
}

func cmdLogout(ctx context.Context, a *app, out io.Writer) error {
	session, err := a.session(ctx)
	if err != nil {
		return err
	}
	identity := session.Identity()
	if err := session.Logout(); err != nil {
		return err
	}

	a.cfg.Identity = ""
	if err := config.Save(a.cfgPath, a.cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "Logged Out:      %s\n", identity)
	return nil
}

func timestampOrNow(ms int64) int64 {
	if ms > 0 {
		return ms
	}
	return time.Now().UnixMilli()
}

func printRequest(out io.Writer, request chat.SendRequest) {
	fmt.Fprintf(out, "State:           %s\n", request.State)
	fmt.Fprintf(out, "Encrypted:       %t\n", request.Message.IsEncrypted)
	fmt.Fprintf(out, "Time Slot:       %d\n", request.Message.TimeSlot)
	fmt.Fprintf(out, "Path:            %s\n", request.Path)
}

func printSend(out io.Writer, record storage.SendRecord) {
	line := fmt.Sprintf("%s %-7s encrypted=%-5t %s",
		time.UnixMilli(record.TimestampSent).Format("2006-01-02 15:04:05"),
		record.State,
		record.Encrypted,
		record.Fingerprint,
	)
	if record.Error != "" {
		line += " error=" + record.Error
	}
	fmt.Fprintln(out, line)
}

func printMessage(out io.Writer, msg models.Message) {
	stamp := time.UnixMilli(msg.Timestamp).Format("2006-01-02 15:04:05")
	content := msg.Content
	if msg.Type == models.MessageTypeImage {
		content = fmt.Sprintf("%s <%s>", msg.Content, msg.ImageURL)
	}
	read := " "
	if msg.IsRead {
		read = "✓"
	}
	fmt.Fprintf(out, "%s %s %s -> %s: %s\n", stamp, read, msg.SenderID, msg.ReceiverID, content)
}
