// Package bus conveys typed documents between departments over a shared
// filesystem and preserves a durable audit trail.
//
// Layout under the bus root:
//
//	Outbox/<SENDER>/<message_id>     — written atomically by the sender
//	Inbox/<RECIPIENT>/<message_id>   — copied there by route()
//	Archive/<YYYY-MM-DD>/<SENDER>/   — processed messages, never modified
//
// Each message is a single text file: YAML front matter between ---
// markers, a markdown subject + body, and an optional fenced JSON payload.
// Writes are atomic (temp file + rename); routing never overwrites an
// existing inbox file, so duplicate routes are no-ops.
package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"tradedesk/pkg/types"
)

// Message type names the coordinator routes.
const (
	TypeDailyBriefing      = "DailyBriefing"
	TypeRiskAssessment     = "RiskAssessment"
	TypeAllocationDecision = "AllocationDecision"
	TypeBuyOrder           = "BuyOrder"
	TypeSellOrder          = "SellOrder"
	TypeExecutiveApproval  = "ExecutiveApproval"
	TypeRegimeAssessment   = "RegimeAssessment"
	TypeEscalation         = "Escalation"
)

// DeadLetterDir is the archive subdirectory for unparseable messages.
const DeadLetterDir = "DEAD_LETTER"

// Metadata is the front matter of one message. Field order here is the
// serialization order in the file.
type Metadata struct {
	MessageID        string `yaml:"message_id"`
	From             string `yaml:"from"`
	To               string `yaml:"to"`
	Timestamp        string `yaml:"timestamp"` // ISO 8601 UTC, Z-suffixed
	MessageType      string `yaml:"message_type"`
	Priority         string `yaml:"priority"`
	RequiresResponse bool   `yaml:"requires_response"`
	ParentMessageID  string `yaml:"parent_message_id,omitempty"`
}

// Time parses the message timestamp.
func (m Metadata) Time() (time.Time, error) {
	return time.Parse(time.RFC3339, m.Timestamp)
}

// Message is a parsed message file.
type Message struct {
	Meta    Metadata
	Subject string
	Body    string
	Payload json.RawMessage // nil when no fenced JSON block is present
	Path    string          // file the message was read from
}

// Bus is one department's handle on the shared message root. Each
// department constructs its own bus with its own sender name.
type Bus struct {
	root   string
	self   string
	logger *slog.Logger
}

// New creates a bus handle rooted at dir for the given sender.
func New(dir, self string, logger *slog.Logger) (*Bus, error) {
	for _, sub := range []string{"Outbox", "Inbox", "Archive"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create bus dir: %w", err)
		}
	}
	return &Bus{root: dir, self: self, logger: logger.With("component", "bus", "dept", self)}, nil
}

// WriteOptions carries the optional knobs of Write.
type WriteOptions struct {
	Priority         types.Priority
	RequiresResponse bool
	Parent           string
	Payload          any // marshaled into the fenced JSON block when non-nil
}

// Write composes a message file and writes it atomically into the sender's
// outbox. Returns the generated message id (which is also the file name).
func (b *Bus) Write(to, msgType, subject, body string, opts WriteOptions) (string, error) {
	if opts.Priority == "" {
		opts.Priority = types.PriorityRoutine
	}
	now := time.Now().UTC()
	id := fmt.Sprintf("%s_%s_%s", msgType, now.Format("20060102T150405Z"), uuid.NewString()[:8])

	meta := Metadata{
		MessageID:        id,
		From:             b.self,
		To:               to,
		Timestamp:        now.Format(time.RFC3339),
		MessageType:      msgType,
		Priority:         string(opts.Priority),
		RequiresResponse: opts.RequiresResponse,
		ParentMessageID:  opts.Parent,
	}

	content, err := compose(meta, subject, body, opts.Payload)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(b.root, "Outbox", b.self)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create outbox: %w", err)
	}
	if err := atomicWrite(filepath.Join(dir, id), content); err != nil {
		return "", fmt.Errorf("write message %s: %w", id, err)
	}
	b.logger.Debug("message written", "id", id, "to", to, "type", msgType)
	return id, nil
}

// Route copies a message from a sender's outbox into a recipient's inbox.
// Idempotent: if the inbox already holds the id, the route is a no-op.
func (b *Bus) Route(messageID, from, to string) error {
	src := filepath.Join(b.root, "Outbox", from, messageID)
	dstDir := filepath.Join(b.root, "Inbox", to)
	dst := filepath.Join(dstDir, messageID)

	if _, err := os.Stat(dst); err == nil {
		return nil // already routed
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("route %s: %w", messageID, err)
	}
	if err := atomicWrite(dst, data); err != nil {
		return fmt.Errorf("route %s: %w", messageID, err)
	}
	return nil
}

// Read parses a message file. Malformed front matter returns a SchemaError;
// callers route such files to the dead-letter archive.
func (b *Bus) Read(path string) (*Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	msg, err := parse(data)
	if err != nil {
		return nil, &types.SchemaError{Source: filepath.Base(path), Err: err}
	}
	msg.Path = path
	return msg, nil
}

// Inbox lists the full paths of unprocessed messages in this department's
// inbox, oldest file first.
func (b *Bus) Inbox() ([]string, error) {
	dir := filepath.Join(b.root, "Inbox", b.self)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}

// Archive moves a processed message to Archive/<today>/<SELF>. Archived
// files are byte-identical to their originals and never modified.
func (b *Bus) Archive(path string) error {
	return b.moveToArchive(path, b.self)
}

// DeadLetter moves an unparseable message to the dead-letter archive.
func (b *Bus) DeadLetter(path string) error {
	b.logger.Warn("dead-lettering message", "path", path)
	return b.moveToArchive(path, DeadLetterDir)
}

func (b *Bus) moveToArchive(path, bucket string) error {
	day := time.Now().UTC().Format("2006-01-02")
	dir := filepath.Join(b.root, "Archive", day, bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		// Rename fails across filesystems; fall back to copy + remove.
		data, rerr := os.ReadFile(path)
		if rerr != nil {
			return fmt.Errorf("archive %s: %w", path, err)
		}
		if werr := atomicWrite(dst, data); werr != nil {
			return fmt.Errorf("archive %s: %w", path, werr)
		}
		return os.Remove(path)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// File format
// ————————————————————————————————————————————————————————————————————————

func compose(meta Metadata, subject, body string, payload any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(meta); err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode front matter: %w", err)
	}
	buf.WriteString("---\n\n")
	fmt.Fprintf(&buf, "# %s\n\n", subject)
	buf.WriteString(strings.TrimRight(body, "\n"))
	buf.WriteString("\n")

	if payload != nil {
		blob, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		buf.WriteString("\n```json\n")
		buf.Write(blob)
		buf.WriteString("\n```\n")
	}
	return buf.Bytes(), nil
}

func parse(data []byte) (*Message, error) {
	s := string(data)
	if !strings.HasPrefix(s, "---\n") {
		return nil, fmt.Errorf("missing front matter open marker")
	}
	rest := s[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, fmt.Errorf("missing front matter close marker")
	}
	front := rest[:end+1]
	remainder := rest[end+len("\n---"):]
	remainder = strings.TrimPrefix(remainder, "\n")

	var meta Metadata
	if err := yaml.Unmarshal([]byte(front), &meta); err != nil {
		return nil, fmt.Errorf("front matter: %w", err)
	}
	for k, v := range map[string]string{
		"message_id": meta.MessageID, "from": meta.From, "to": meta.To,
		"timestamp": meta.Timestamp, "message_type": meta.MessageType, "priority": meta.Priority,
	} {
		if v == "" {
			return nil, fmt.Errorf("front matter missing %s", k)
		}
	}
	if _, err := meta.Time(); err != nil {
		return nil, fmt.Errorf("front matter timestamp: %w", err)
	}

	msg := &Message{Meta: meta}

	remainder = strings.TrimLeft(remainder, "\n")
	if strings.HasPrefix(remainder, "# ") {
		if nl := strings.IndexByte(remainder, '\n'); nl >= 0 {
			msg.Subject = strings.TrimSpace(remainder[2:nl])
			remainder = remainder[nl+1:]
		} else {
			msg.Subject = strings.TrimSpace(remainder[2:])
			remainder = ""
		}
	}

	// Extract a payload only when a single fenced JSON block is present.
	if n := strings.Count(remainder, "```json\n"); n == 1 {
		open := strings.Index(remainder, "```json\n")
		tail := remainder[open+len("```json\n"):]
		if close := strings.Index(tail, "```"); close >= 0 {
			raw := strings.TrimSpace(tail[:close])
			if json.Valid([]byte(raw)) {
				msg.Payload = json.RawMessage(raw)
			} else {
				return nil, fmt.Errorf("payload block is not valid JSON")
			}
			remainder = remainder[:open] + tail[close+3:]
		}
	}

	msg.Body = strings.TrimSpace(remainder)
	return msg, nil
}

// atomicWrite writes to a .tmp file first, then renames over the target,
// so a crash mid-write never leaves a partial message.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
