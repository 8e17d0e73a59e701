// Package convstore implements ConversationStore: the durable,
// atomically-written, per-conversation-serialized message log. Each
// conversation is one JSON file under
// <projectPath>/<dataDir>/conversations/<id>.json; the store's own
// in-process state is only a cache and a set of per-key locks, never
// the source of truth.
package convstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/apperr"
	"loom/internal/atomicfile"
	"loom/internal/domain"
	"loom/internal/logx"
)

// Store is the ConversationStore. Construct with New.
type Store struct {
	resolver    PathResolver
	maxMessages int
	log         *logx.Logger

	keyMu sync.Mutex
	keys  map[string]*sync.Mutex

	pending sync.WaitGroup

	index Index // optional search accelerator; nil is valid (falls back to linear scan)
}

// Index is implemented by the sqlite-backed search accelerator. It is
// advisory only: Store never treats it as authoritative, and a nil Index
// falls back to a linear scan of the JSON files.
type Index interface {
	Upsert(conv domain.Conversation) error
	Delete(projectID, convID string) error
	Search(projectID, query string, limit int) ([]domain.SearchResult, error)
}

// New constructs a Store. maxMessages is the head-truncation cap; index
// may be nil.
func New(resolver PathResolver, maxMessages int, index Index, log *logx.Logger) *Store {
	return &Store{
		resolver:    resolver,
		maxMessages: maxMessages,
		log:         log,
		keys:        make(map[string]*sync.Mutex),
		index:       index,
	}
}

func lockKey(projectID, convID string) string { return projectID + "/" + convID }

func (s *Store) lockFor(projectID, convID string) *sync.Mutex {
	key := lockKey(projectID, convID)
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	mu, ok := s.keys[key]
	if !ok {
		mu = &sync.Mutex{}
		s.keys[key] = mu
	}
	return mu
}

func (s *Store) dir(projectID string) (string, error) {
	d, err := s.resolver.ConversationsDir(projectID)
	if err != nil {
		return "", apperr.NotFound("project %s not found", projectID)
	}
	return d, nil
}

func (s *Store) filePath(projectID, convID string) (string, error) {
	d, err := s.dir(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(d, convID+".json"), nil
}

// Create starts a new, empty Conversation for projectID.
func (s *Store) Create(projectID, itemRef string) (domain.Conversation, error) {
	d, err := s.dir(projectID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if err := os.MkdirAll(d, 0o755); err != nil {
		return domain.Conversation{}, apperr.Storage(err, "create conversations dir for %s", projectID)
	}

	now := time.Now().UTC()
	conv := domain.Conversation{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		ItemRef:   itemRef,
		Messages:  []domain.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.pending.Add(1)
	defer s.pending.Done()
	if err := s.write(conv); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func (s *Store) write(conv domain.Conversation) error {
	path, err := s.filePath(conv.ProjectID, conv.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return apperr.Storage(err, "marshal conversation %s", conv.ID)
	}
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return apperr.Storage(err, "write conversation %s", conv.ID)
	}
	if s.index != nil {
		if err := s.index.Upsert(conv); err != nil && s.log != nil {
			s.log.Warn("convstore: search index upsert failed for %s: %v", conv.ID, err)
		}
	}
	return nil
}

// readFile loads a conversation from disk. A JSON-parse failure is
// treated as a corrupted file: it is unlinked so the slot is free for a
// future Create, and the caller sees NotFound.
func (s *Store) readFile(projectID, convID string) (domain.Conversation, error) {
	path, err := s.filePath(projectID, convID)
	if err != nil {
		return domain.Conversation{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Conversation{}, apperr.NotFound("conversation %s not found", convID)
		}
		return domain.Conversation{}, apperr.Storage(err, "read conversation %s", convID)
	}
	var conv domain.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		if s.log != nil {
			s.log.Error("convstore: corrupted conversation file %s: %v", path, err)
		}
		os.Remove(path)
		if s.index != nil {
			_ = s.index.Delete(projectID, convID)
		}
		return domain.Conversation{}, apperr.NotFound("conversation %s not found", convID)
	}
	return conv, nil
}

// FindByID returns the current on-disk state of one conversation.
func (s *Store) FindByID(projectID, convID string) (domain.Conversation, error) {
	return s.readFile(projectID, convID)
}

// GetByProject lists conversations for projectID, newest-first by
// UpdatedAt. limit<=0 means unlimited.
func (s *Store) GetByProject(projectID string, limit int) ([]domain.Conversation, error) {
	d, err := s.dir(projectID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Storage(err, "list conversations for %s", projectID)
	}

	var convs []domain.Conversation
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		convID := strings.TrimSuffix(e.Name(), ".json")
		conv, err := s.readFile(projectID, convID)
		if err != nil {
			continue // corrupted files are already removed by readFile
		}
		convs = append(convs, conv)
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].UpdatedAt.After(convs[j].UpdatedAt) })
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

// AddMessage appends msg to the conversation, re-reading from disk
// first so concurrent mutations from another caller are not lost, then
// head-truncates and atomically persists.
func (s *Store) AddMessage(projectID, convID string, msg domain.Message) (domain.Conversation, error) {
	mu := s.lockFor(projectID, convID)
	mu.Lock()
	defer mu.Unlock()

	s.pending.Add(1)
	defer s.pending.Done()

	conv, err := s.readFile(projectID, convID)
	if err != nil {
		return domain.Conversation{}, err
	}

	conv.Messages = append(conv.Messages, msg)
	if s.maxMessages > 0 && len(conv.Messages) > s.maxMessages {
		drop := len(conv.Messages) - s.maxMessages
		conv.Messages = conv.Messages[drop:]
	}
	conv.UpdatedAt = time.Now().UTC()
	if conv.UpdatedAt.Before(conv.CreatedAt) {
		conv.UpdatedAt = conv.CreatedAt
	}

	if err := s.write(conv); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

// GetMessages returns the newest-N tail of a conversation's messages.
// limit<=0 returns everything.
func (s *Store) GetMessages(projectID, convID string, limit int) ([]domain.Message, error) {
	conv, err := s.readFile(projectID, convID)
	if err != nil {
		return nil, err
	}
	msgs := conv.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// ClearMessages empties a conversation's message log in place.
func (s *Store) ClearMessages(projectID, convID string) error {
	mu := s.lockFor(projectID, convID)
	mu.Lock()
	defer mu.Unlock()

	s.pending.Add(1)
	defer s.pending.Done()

	conv, err := s.readFile(projectID, convID)
	if err != nil {
		return err
	}
	conv.Messages = []domain.Message{}
	conv.UpdatedAt = time.Now().UTC()
	return s.write(conv)
}

// Delete removes a conversation's file and search-index entry.
func (s *Store) Delete(projectID, convID string) error {
	mu := s.lockFor(projectID, convID)
	mu.Lock()
	defer mu.Unlock()

	s.pending.Add(1)
	defer s.pending.Done()

	path, err := s.filePath(projectID, convID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apperr.Storage(err, "delete conversation %s", convID)
	}
	if s.index != nil {
		_ = s.index.Delete(projectID, convID)
	}
	return nil
}

// Rename sets a conversation's display label.
func (s *Store) Rename(projectID, convID, label string) (domain.Conversation, error) {
	mu := s.lockFor(projectID, convID)
	mu.Lock()
	defer mu.Unlock()

	s.pending.Add(1)
	defer s.pending.Done()

	conv, err := s.readFile(projectID, convID)
	if err != nil {
		return domain.Conversation{}, err
	}
	conv.Label = label
	conv.UpdatedAt = time.Now().UTC()
	if err := s.write(conv); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

// MetadataPatch is a shallow-merge patch applied by UpdateMetadata: a nil
// field is left untouched, a non-nil field replaces the existing value.
type MetadataPatch struct {
	ContextUsage *domain.ContextUsage
	SessionID    *string
}

// UpdateMetadata shallow-merges patch into the conversation's metadata,
// re-reading from disk first under the per-conversation lock.
func (s *Store) UpdateMetadata(projectID, convID string, patch MetadataPatch) (domain.Conversation, error) {
	mu := s.lockFor(projectID, convID)
	mu.Lock()
	defer mu.Unlock()

	s.pending.Add(1)
	defer s.pending.Done()

	conv, err := s.readFile(projectID, convID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if patch.ContextUsage != nil {
		conv.Metadata.ContextUsage = patch.ContextUsage
	}
	if patch.SessionID != nil {
		conv.Metadata.SessionID = *patch.SessionID
	}
	conv.UpdatedAt = time.Now().UTC()
	if err := s.write(conv); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

const searchContextChars = 100
const searchResultLimit = 50

// Search does a case-insensitive substring scan over every message's
// text content across a project's conversations, newest conversation
// first, returning up to 50 snippets with +/-100 chars of context. If a
// search index is configured it is consulted first and its results are
// returned verbatim; any index failure falls back to the linear scan.
func (s *Store) Search(projectID, query string) ([]domain.SearchResult, error) {
	if s.index != nil {
		results, err := s.index.Search(projectID, query, searchResultLimit)
		if err == nil {
			return results, nil
		}
		if s.log != nil {
			s.log.Warn("convstore: search index query failed, falling back to scan: %v", err)
		}
	}
	return s.linearSearch(projectID, query)
}

func (s *Store) linearSearch(projectID, query string) ([]domain.SearchResult, error) {
	convs, err := s.GetByProject(projectID, 0)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	var results []domain.SearchResult
	for _, conv := range convs {
		for _, msg := range conv.Messages {
			body := messageText(msg)
			lower := strings.ToLower(body)
			idx := strings.Index(lower, needle)
			if idx < 0 {
				continue
			}
			results = append(results, domain.SearchResult{
				ConversationID: conv.ID,
				MessageType:    msg.Type,
				Snippet:        snippet(body, idx, len(needle)),
				CreatedAt:      msg.Timestamp,
				Label:          conv.Label,
			})
			if len(results) >= searchResultLimit {
				return results, nil
			}
		}
	}
	return results, nil
}

func messageText(msg domain.Message) string {
	switch msg.Type {
	case domain.MessageUser, domain.MessageAssistant, domain.MessageSystem:
		return msg.Content
	case domain.MessageCompaction:
		if msg.Compaction != nil {
			return msg.Compaction.Summary
		}
	case domain.MessageQuestion:
		if msg.Question != nil {
			return msg.Question.Question
		}
	}
	return ""
}

func snippet(body string, idx, needleLen int) string {
	start := idx - searchContextChars
	if start < 0 {
		start = 0
	}
	end := idx + needleLen + searchContextChars
	if end > len(body) {
		end = len(body)
	}
	return body[start:end]
}

// Flush blocks until every in-flight write (tracked since the last
// Create/AddMessage/UpdateMetadata/etc. call began) has completed.
func (s *Store) Flush() {
	s.pending.Wait()
}
