// Package interviewtest provides an in-memory interview store for tests.
package interviewtest

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/echoes-of-korea/oral-archive/internal/interview"
)

// MemStore is a goroutine-safe in-memory interview store that applies the
// same lifecycle rules as the Postgres store.
type MemStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]*interview.Interview
	now   func() time.Time

	// TransitionErr, when set, is returned by the next TransitionInterview
	// call to the given target status and then cleared.
	TransitionErr map[interview.Status]error
	// Transitions counts successful writes per target status.
	Transitions map[interview.Status]int
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		items:         make(map[uuid.UUID]*interview.Interview),
		now:           time.Now,
		TransitionErr: make(map[interview.Status]error),
		Transitions:   make(map[interview.Status]int),
	}
}

// Put inserts or replaces a record verbatim, assigning an id and
// timestamps when missing.
func (m *MemStore) Put(iv interview.Interview) *interview.Interview {
	m.mu.Lock()
	defer m.mu.Unlock()
	if iv.ID == uuid.Nil {
		iv.ID = uuid.New()
	}
	if iv.STTStatus == "" {
		iv.STTStatus = interview.StatusNotStarted
	}
	if iv.CreatedAt.IsZero() {
		iv.CreatedAt = m.now()
	}
	if iv.UpdatedAt.IsZero() {
		iv.UpdatedAt = iv.CreatedAt
	}
	m.items[iv.ID] = &iv
	cp := iv
	return &cp
}

// SetClock replaces the time source used for timestamps.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Len returns the number of stored records.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Snapshot returns a copy of the record, or nil.
func (m *MemStore) Snapshot(id uuid.UUID) *interview.Interview {
	m.mu.Lock()
	defer m.mu.Unlock()
	iv, ok := m.items[id]
	if !ok {
		return nil
	}
	cp := *iv
	return &cp
}

func (m *MemStore) CreateInterview(ctx context.Context, n interview.NewInterview) (*interview.Interview, error) {
	published := true
	if n.IsPublished != nil {
		published = *n.IsPublished
	}
	return m.Put(interview.Interview{
		Title:                n.Title,
		IntervieweeName:      n.IntervieweeName,
		IntervieweeBirthYear: n.IntervieweeBirthYear,
		InterviewDate:        n.InterviewDate,
		AudioFilePath:        n.AudioFilePath,
		IsPublished:          published,
	}), nil
}

func (m *MemStore) GetInterview(ctx context.Context, id uuid.UUID) (*interview.Interview, error) {
	if iv := m.Snapshot(id); iv != nil {
		return iv, nil
	}
	return nil, interview.ErrNotFound
}

func (m *MemStore) ListInterviews(ctx context.Context, f interview.ListFilter) ([]interview.Interview, int, error) {
	m.mu.Lock()
	var all []interview.Interview
	for _, iv := range m.items {
		if f.Status != nil && iv.STTStatus != *f.Status {
			continue
		}
		if f.Search != "" {
			q := strings.ToLower(f.Search)
			if !strings.Contains(strings.ToLower(iv.Title), q) && !strings.Contains(strings.ToLower(iv.IntervieweeName), q) {
				continue
			}
		}
		all = append(all, *iv)
	}
	m.mu.Unlock()

	slices.SortFunc(all, func(a, b interview.Interview) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	start := min(max(f.Offset, 0), len(all))
	end := min(start+limit, len(all))
	page := append([]interview.Interview{}, all[start:end]...)
	return page, len(all), nil
}

func (m *MemStore) UpdateInterview(ctx context.Context, id uuid.UUID, u interview.Update) (*interview.Interview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iv, ok := m.items[id]
	if !ok {
		return nil, interview.ErrNotFound
	}
	if u.AudioFilePath != nil && iv.HasAudio() && *iv.AudioFilePath != *u.AudioFilePath {
		return nil, interview.ErrAudioAlreadySet
	}
	if u.Title != nil {
		iv.Title = *u.Title
	}
	if u.IntervieweeName != nil {
		iv.IntervieweeName = *u.IntervieweeName
	}
	if u.IntervieweeBirthYear != nil {
		iv.IntervieweeBirthYear = u.IntervieweeBirthYear
	}
	if u.InterviewDate != nil {
		iv.InterviewDate = u.InterviewDate
	}
	if u.IsPublished != nil {
		iv.IsPublished = *u.IsPublished
	}
	if u.AudioFilePath != nil && !iv.HasAudio() {
		iv.AudioFilePath = u.AudioFilePath
	}
	iv.UpdatedAt = m.now()
	cp := *iv
	return &cp, nil
}

func (m *MemStore) UpdateTranscript(ctx context.Context, id uuid.UUID, text string) (*interview.Interview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iv, ok := m.items[id]
	if !ok {
		return nil, interview.ErrNotFound
	}
	if iv.STTStatus != interview.StatusCompleted {
		return nil, interview.ErrTranscriptLocked
	}
	iv.FullTranscript = &text
	iv.UpdatedAt = m.now()
	cp := *iv
	return &cp, nil
}

func (m *MemStore) TransitionInterview(ctx context.Context, id uuid.UUID, to interview.Status, transcript *string) (interview.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.TransitionErr[to]; err != nil {
		delete(m.TransitionErr, to)
		return "", err
	}
	iv, ok := m.items[id]
	if !ok {
		return "", interview.ErrNotFound
	}
	from := iv.STTStatus
	if err := interview.CheckTransition(from, iv.HasAudio(), to); err != nil {
		return from, err
	}
	if from == to {
		return from, nil
	}
	iv.STTStatus = to
	iv.FullTranscript = nil
	if to == interview.StatusCompleted && transcript != nil {
		t := *transcript
		iv.FullTranscript = &t
	}
	now := m.now()
	iv.UpdatedAt = now
	if to == interview.StatusProcessing {
		iv.STTStartedAt = &now
	}
	m.Transitions[to]++
	return from, nil
}

func (m *MemStore) FailStaleTranscriptions(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	var ids []uuid.UUID
	for id, iv := range m.items {
		since := iv.UpdatedAt
		if iv.STTStartedAt != nil {
			since = *iv.STTStartedAt
		}
		if iv.STTStatus == interview.StatusProcessing && since.Before(cutoff) {
			iv.STTStatus = interview.StatusFailed
			iv.UpdatedAt = m.now()
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *MemStore) InterviewStats(ctx context.Context, recent int) (*interview.Stats, error) {
	counts, _ := m.CountByStatus(ctx)
	s := &interview.Stats{
		Completed:  counts[interview.StatusCompleted],
		Processing: counts[interview.StatusProcessing],
	}
	for _, n := range counts {
		s.Total += n
	}
	s.Recent, _, _ = m.ListInterviews(ctx, interview.ListFilter{Limit: recent})
	return s, nil
}

func (m *MemStore) CountByStatus(ctx context.Context) (map[interview.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[interview.Status]int, len(interview.Statuses))
	for _, s := range interview.Statuses {
		counts[s] = 0
	}
	for _, iv := range m.items {
		counts[iv.STTStatus]++
	}
	return counts, nil
}
