package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dharsanguruparan/cardvault/internal/model"
)

// Memory is an in-process Store guarded by a single RWMutex. Every method
// applies its writes under one lock, so it is fully atomic. Values are
// copied in and out.
type Memory struct {
	mu          sync.RWMutex
	cards       map[string]*model.Card
	versions    map[string]*model.Version
	seq         map[string]uint64 // version insertion order
	nextSeq     uint64
	collections map[string]*model.Collection
	sessions    map[string]*model.UploadSession
	tags        map[string]*model.Tag // by slug
	cardTags    map[string]map[string]bool
	now         func() time.Time
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		cards:       make(map[string]*model.Card),
		versions:    make(map[string]*model.Version),
		collections: make(map[string]*model.Collection),
		sessions:    make(map[string]*model.UploadSession),
		tags:        make(map[string]*model.Tag),
		cardTags:    make(map[string]map[string]bool),
		seq:         make(map[string]uint64),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) CreateCardWithVersion(_ context.Context, card *model.Card, v *model.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[card.ID]; ok {
		return ErrInvalidState
	}
	now := m.now()
	stamp(card, now)
	if card.ProcessingStatus == "" {
		card.ProcessingStatus = model.StatusComplete
	}
	v.CardID = card.ID
	v.ParentVersionID = nil
	v.CreatedAt = now
	m.putVersionLocked(v)
	card.HeadVersionID = &v.ID
	m.cards[card.ID] = cloneCard(card)
	m.bumpForkLocked(v.ForkedFromID)
	return nil
}

func (m *Memory) AppendVersion(_ context.Context, v *model.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	card, ok := m.cards[v.CardID]
	if !ok {
		return ErrNotFound
	}
	m.appendLocked(card, v)
	return nil
}

func (m *Memory) AppendVersionIfHead(_ context.Context, v *model.Version, expectedHead string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	card, ok := m.cards[v.CardID]
	if !ok {
		return ErrNotFound
	}
	if card.Head() != expectedHead {
		return ErrHeadMoved
	}
	m.appendLocked(card, v)
	return nil
}

func (m *Memory) appendLocked(card *model.Card, v *model.Version) {
	now := m.now()
	v.ParentVersionID = cloneStr(card.HeadVersionID)
	v.CreatedAt = now
	m.putVersionLocked(v)
	id := v.ID
	card.HeadVersionID = &id
	card.UpdatedAt = now
	m.bumpForkLocked(v.ForkedFromID)
}

func (m *Memory) putVersionLocked(v *model.Version) {
	m.nextSeq++
	m.seq[v.ID] = m.nextSeq
	m.versions[v.ID] = cloneVersion(v)
}

func (m *Memory) bumpForkLocked(forkedFrom *string) {
	if forkedFrom == nil {
		return
	}
	src, ok := m.versions[*forkedFrom]
	if !ok {
		return
	}
	if c, ok := m.cards[src.CardID]; ok {
		c.Counters.Forks++
	}
}

func (m *Memory) GetCard(_ context.Context, id string) (*model.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cards[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.withTagsLocked(c), nil
}

func (m *Memory) GetCardBySlug(_ context.Context, slug string) (*model.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.cards {
		if c.Slug == slug {
			return m.withTagsLocked(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) withTagsLocked(c *model.Card) *model.Card {
	out := cloneCard(c)
	out.Tags = out.Tags[:0]
	for _, t := range m.tags {
		if m.cardTags[c.ID][t.ID] {
			out.Tags = append(out.Tags, t.Name)
		}
	}
	sort.Strings(out.Tags)
	return out
}

func (m *Memory) GetVersion(_ context.Context, id string) (*model.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneVersion(v), nil
}

func (m *Memory) ListVersions(_ context.Context, cardID string) ([]*model.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.cards[cardID]; !ok {
		return nil, ErrNotFound
	}
	var out []*model.Version
	for _, v := range m.versions {
		if v.CardID == cardID {
			out = append(out, cloneVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.seq[out[i].ID] > m.seq[out[j].ID] })
	return out, nil
}

func (m *Memory) ListCards(_ context.Context, q CardQuery) ([]*model.Card, int, error) {
	q = q.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tagID string
	if q.Tag != "" {
		t, ok := m.tags[model.Slugify(q.Tag)]
		if !ok {
			return nil, 0, nil
		}
		tagID = t.ID
	}
	var matched []*model.Card
	for _, c := range m.cards {
		if !c.Listed() {
			continue
		}
		if q.CollectionID != "" && (c.CollectionID == nil || *c.CollectionID != q.CollectionID) {
			continue
		}
		if q.Creator != "" && c.Creator != q.Creator {
			continue
		}
		if tagID != "" && !m.cardTags[c.ID][tagID] {
			continue
		}
		matched = append(matched, m.withTagsLocked(c))
	}
	sort.Slice(matched, func(i, j int) bool { return cardLess(q.Sort, matched[i], matched[j]) })
	return pageOf(matched, q.Page, q.Limit), len(matched), nil
}

func cardLess(order string, a, b *model.Card) bool {
	switch order {
	case SortPopular:
		pa, pb := a.Counters.Votes+a.Counters.Favorites, b.Counters.Votes+b.Counters.Favorites
		if pa != pb {
			return pa > pb
		}
	case SortDownloads:
		if a.Counters.Downloads != b.Counters.Downloads {
			return a.Counters.Downloads > b.Counters.Downloads
		}
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func pageOf[T any](items []T, page, limit int) []T {
	start := (page - 1) * limit
	if start >= len(items) {
		return nil
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (m *Memory) ListCollectionCards(_ context.Context, collectionID string) ([]*model.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Card
	for _, c := range m.cards {
		if c.CollectionID != nil && *c.CollectionID == collectionID {
			out = append(out, m.withTagsLocked(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *Memory) DeleteCard(_ context.Context, id string) ([]*model.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[id]; !ok {
		return nil, ErrNotFound
	}
	var removed []*model.Version
	for vid, v := range m.versions {
		if v.CardID == id {
			removed = append(removed, v)
			delete(m.versions, vid)
			delete(m.seq, vid)
		}
	}
	for _, t := range m.tags {
		if m.cardTags[id][t.ID] && t.UsageCount > 0 {
			t.UsageCount--
		}
	}
	delete(m.cardTags, id)
	delete(m.cards, id)
	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	return removed, nil
}

func (m *Memory) IncrementDownloads(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[id]
	if !ok {
		return ErrNotFound
	}
	c.Counters.Downloads++
	return nil
}

func (m *Memory) LinkTags(_ context.Context, cardID string, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[cardID]; !ok {
		return ErrNotFound
	}
	links := m.cardTags[cardID]
	if links == nil {
		links = make(map[string]bool)
		m.cardTags[cardID] = links
	}
	for _, name := range names {
		slug := model.Slugify(name)
		if slug == "" {
			continue
		}
		t, ok := m.tags[slug]
		if !ok {
			t = &model.Tag{ID: newID(), Slug: slug, Name: name}
			m.tags[slug] = t
		}
		if links[t.ID] {
			continue
		}
		links[t.ID] = true
		t.UsageCount++
	}
	return nil
}

// Tag returns a tag by slug. It is not part of Store.
func (m *Memory) Tag(slug string) (*model.Tag, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tags[slug]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

func (m *Memory) CreateCollection(_ context.Context, c *model.Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.PackageID != nil {
		for _, existing := range m.collections {
			if existing.PackageID != nil && *existing.PackageID == *c.PackageID {
				return ErrInvalidState
			}
		}
	}
	now := m.now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.collections[c.ID] = cloneCollection(c)
	return nil
}

func (m *Memory) GetCollection(_ context.Context, id string) (*model.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCollection(c), nil
}

func (m *Memory) GetCollectionByPackageID(_ context.Context, packageID string) (*model.Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.collections {
		if c.PackageID != nil && *c.PackageID == packageID {
			return cloneCollection(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListCollections(_ context.Context, q CollectionQuery) ([]*model.Collection, int, error) {
	q = q.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*model.Collection
	for _, c := range m.collections {
		if c.Visibility != model.VisibilityPublic {
			continue
		}
		if q.Creator != "" && c.Creator != q.Creator {
			continue
		}
		matched = append(matched, cloneCollection(c))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	return pageOf(matched, q.Page, q.Limit), len(matched), nil
}

func (m *Memory) CreatePendingUpload(_ context.Context, card *model.Card, s *model.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[card.ID]; ok {
		return ErrInvalidState
	}
	now := m.now()
	stamp(card, now)
	card.HeadVersionID = nil
	card.ProcessingStatus = model.StatusPending
	card.UploadSessionID = &s.ID
	s.CardID = card.ID
	s.Status = model.StatusPending
	s.CreatedAt, s.UpdatedAt = now, now
	m.cards[card.ID] = cloneCard(card)
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*model.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *Memory) RecordPart(_ context.Context, sessionID string, part model.UploadPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != model.StatusPending {
		return ErrInvalidState
	}
	s.Parts = upsertPart(s.Parts, part)
	s.UpdatedAt = m.now()
	return nil
}

func upsertPart(parts []model.UploadPart, part model.UploadPart) []model.UploadPart {
	for i := range parts {
		if parts[i].Number == part.Number {
			parts[i] = part
			return parts
		}
	}
	parts = append(parts, part)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts
}

func (m *Memory) ClaimSession(_ context.Context, id string) (*model.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != model.StatusPending {
		return cloneSession(s), ErrInvalidState
	}
	now := m.now()
	s.Status = model.StatusProcessing
	s.UpdatedAt = now
	if c, ok := m.cards[s.CardID]; ok {
		c.ProcessingStatus = model.StatusProcessing
		c.UpdatedAt = now
	}
	return cloneSession(s), nil
}

func (m *Memory) CompleteSession(_ context.Context, sessionID string, card *model.Card, v *model.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != model.StatusProcessing {
		return ErrInvalidState
	}
	existing, ok := m.cards[s.CardID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	v.CardID = existing.ID
	v.ParentVersionID = nil
	v.CreatedAt = now
	m.putVersionLocked(v)

	existing.Name = card.Name
	existing.Description = card.Description
	existing.Creator = card.Creator
	existing.CreatorNotes = card.CreatorNotes
	if card.Slug != "" {
		existing.Slug = card.Slug
	}
	vid := v.ID
	existing.HeadVersionID = &vid
	existing.ProcessingStatus = model.StatusComplete
	existing.StatusMessage = ""
	existing.UploadSessionID = nil
	existing.UpdatedAt = now

	s.Status = model.StatusComplete
	s.Message = ""
	s.VersionID = &vid
	s.UpdatedAt = now
	s.CompletedAt = timePtr(now)
	return nil
}

func (m *Memory) CompleteSessionAsCollection(_ context.Context, sessionID, collectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != model.StatusProcessing {
		return ErrInvalidState
	}
	delete(m.cards, s.CardID)
	delete(m.cardTags, s.CardID)
	now := m.now()
	s.Status = model.StatusComplete
	s.Message = ""
	s.CollectionID = &collectionID
	s.UpdatedAt = now
	s.CompletedAt = timePtr(now)
	return nil
}

func (m *Memory) FailSession(_ context.Context, sessionID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status == model.StatusComplete {
		return ErrInvalidState
	}
	now := m.now()
	s.Status = model.StatusFailed
	s.Message = msg
	s.UpdatedAt = now
	if c, ok := m.cards[s.CardID]; ok {
		c.ProcessingStatus = model.StatusFailed
		c.StatusMessage = msg
		c.UpdatedAt = now
	}
	return nil
}

func (m *Memory) ListStaleSessions(_ context.Context, pendingBefore, processingBefore time.Time) ([]*model.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.UploadSession
	for _, s := range m.sessions {
		switch {
		case s.Status == model.StatusPending && s.UpdatedAt.Before(pendingBefore),
			s.Status == model.StatusProcessing && s.UpdatedAt.Before(processingBefore):
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func stamp(card *model.Card, now time.Time) {
	if card.CreatedAt.IsZero() {
		card.CreatedAt = now
	}
	card.UpdatedAt = now
	if card.Moderation == "" {
		card.Moderation = model.ModerationOK
	}
	if card.Visibility == "" {
		card.Visibility = model.VisibilityPublic
	}
}

var _ Store = (*Memory)(nil)
