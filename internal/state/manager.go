package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const conversationStateFileMode = 0600

// DefaultTTL bounds how long an abandoned dialogue is remembered.
const DefaultTTL = 30 * time.Minute

// Step is the position of a user inside a request wizard.
type Step string

const (
	StepIdle            Step = ""
	StepStarsAmount     Step = "stars_amount"
	StepStarsTarget     Step = "stars_target"
	StepStarsDate       Step = "stars_date"
	StepPremiumDuration Step = "premium_duration"
	StepPremiumDate     Step = "premium_date"
)

// Draft collects wizard answers before submission.
type Draft struct {
	Amount         int    `json:"amount,omitempty"`
	TargetHandle   string `json:"target_handle,omitempty"`
	DurationMonths int    `json:"duration_months,omitempty"`
	DurationName   string `json:"duration_name,omitempty"`
}

// Conversation is one user's dialogue state.
type Conversation struct {
	Step      Step      `json:"step"`
	Draft     Draft     `json:"draft"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager keeps per-user dialogue state in memory and mirrors it to
// <baseDir>/state/conversations.json so a restart does not drop wizards in
// progress.
type Manager struct {
	path  string
	ttl   time.Duration
	clock clockwork.Clock

	mu    sync.Mutex
	convs map[int64]Conversation
}

// NewManager creates a state manager under <baseDir>/state. An empty baseDir
// keeps state in memory only.
func NewManager(baseDir string, ttl time.Duration, clock clockwork.Clock) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	m := &Manager{
		ttl:   ttl,
		clock: clock,
		convs: map[int64]Conversation{},
	}
	if baseDir != "" {
		m.path = filepath.Join(baseDir, "state", "conversations.json")
	}
	return m
}

// Load reads persisted conversations. Missing or malformed files are treated
// as empty state.
func (m *Manager) Load() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read conversation state: %w", err)
	}

	var raw map[string]Conversation
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs = make(map[int64]Conversation, len(raw))
	for key, c := range raw {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || c.Step == StepIdle {
			continue
		}
		m.convs[id] = c
	}
	return nil
}

// Get returns the user's conversation. Expired dialogues read as idle.
func (m *Manager) Get(userID int64) Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[userID]
	if !ok {
		return Conversation{}
	}
	if m.clock.Since(c.UpdatedAt) > m.ttl {
		delete(m.convs, userID)
		return Conversation{}
	}
	return c
}

// Set stores the user's conversation and persists the state file.
func (m *Manager) Set(userID int64, c Conversation) error {
	if c.Step == StepIdle {
		return m.Clear(userID)
	}
	c.UpdatedAt = m.clock.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[userID] = c
	return m.saveLocked()
}

// Clear forgets the user's conversation.
func (m *Manager) Clear(userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.convs[userID]; !ok {
		return nil
	}
	delete(m.convs, userID)
	return m.saveLocked()
}

// Active returns the number of users with an unexpired dialogue in progress.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.convs {
		if m.clock.Since(c.UpdatedAt) <= m.ttl {
			n++
		}
	}
	return n
}

func (m *Manager) saveLocked() error {
	if m.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}

	raw := make(map[string]Conversation, len(m.convs))
	for id, c := range m.convs {
		raw[strconv.FormatInt(id, 10)] = c
	}
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, conversationStateFileMode); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}
