package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/noclaw/agentpool/internal/common/logger"
	v1 "github.com/noclaw/agentpool/pkg/api/v1"
)

const (
	journalFile     = "messages.jsonl"
	journalLockFile = "messages.lock"
)

// Journal is the cross-process message transport: an append-only JSON-lines
// file serialised by an advisory file lock. Each Journal instance keeps its
// own read cursor, so independent processes each see every message once.
type Journal struct {
	path     string
	lockPath string
	logger   *logger.Logger

	mu     sync.Mutex
	readBy map[int64]struct{}
}

// NewJournal creates a journal bound to the given state directory.
func NewJournal(stateDir string, log *logger.Logger) (*Journal, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &Journal{
		path:     filepath.Join(stateDir, journalFile),
		lockPath: filepath.Join(stateDir, journalLockFile),
		logger:   log.WithFields(zap.String("component", "message-journal")),
		readBy:   make(map[int64]struct{}),
	}, nil
}

// Write appends one message under the exclusive lock, assigning the next
// sequence id.
func (j *Journal) Write(from, to, content string) (*v1.Message, error) {
	lock := flock.New(j.lockPath)
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("failed to lock journal: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	last, err := j.lastSeq()
	if err != nil {
		return nil, err
	}

	msg := v1.Message{
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: now(),
		Seq:       last + 1,
	}

	line, err := json.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("failed to append to journal: %w", err)
	}

	j.logger.Debug("message journaled",
		zap.String("from", from), zap.String("to", to), zap.Int64("seq", msg.Seq))
	return &msg, nil
}

// Broadcast appends a message addressed to every agent.
func (j *Journal) Broadcast(from, content string) (*v1.Message, error) {
	return j.Write(from, v1.BroadcastRecipient, content)
}

// Check re-reads the journal under the shared lock and returns the messages
// addressed to the agent (directly or by broadcast), sent by someone else,
// and not yet seen by this instance. Returned messages are recorded as read.
func (j *Journal) Check(agentID string) ([]v1.Message, error) {
	lock := flock.New(j.lockPath)
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to lock journal: %w", err)
	}
	all, err := j.readAll()
	_ = lock.Unlock()
	if err != nil {
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	unread := []v1.Message{}
	for _, msg := range all {
		if msg.To != agentID && !msg.Broadcast() {
			continue
		}
		if msg.From == agentID {
			continue
		}
		if _, seen := j.readBy[msg.Seq]; seen {
			continue
		}
		j.readBy[msg.Seq] = struct{}{}
		unread = append(unread, msg)
	}
	return unread, nil
}

// readAll parses every journal line. Callers hold the file lock.
func (j *Journal) readAll() ([]v1.Message, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var msgs []v1.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg v1.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			j.logger.Warn("skipping malformed journal line", zap.Error(err))
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return msgs, nil
}

func (j *Journal) lastSeq() (int64, error) {
	msgs, err := j.readAll()
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[len(msgs)-1].Seq, nil
}
