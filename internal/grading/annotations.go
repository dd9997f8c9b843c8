package grading

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-grader/internal/region"
)

const maxUndo = 50

// Annotations returns a copy of the current annotations.
func (s *Session) Annotations() []Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAnnotations(s.annotations)
}

// SetAnnotations replaces all annotations, cropping every one that resolves
// to a question and evicting images that are no longer referenced.
func (s *Session) SetAnnotations(anns []Annotation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushHistoryLocked()
	s.annotations = make([]Annotation, 0, len(anns))
	for _, a := range anns {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		s.annotations = append(s.annotations, a.clone())
	}
	s.recropLocked()
}

// AddAnnotation appends an annotation and crops it if it is attached to a
// question. It returns the stored annotation.
func (s *Session) AddAnnotation(a Annotation) Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a = a.clone()
	s.pushHistoryLocked()
	s.annotations = append(s.annotations, a)
	if key, ok := s.resolveLocked(a); ok {
		s.cropLocked(key, a)
	}
	return a.clone()
}

// RetargetAnnotation changes the question an annotation is attached to. The
// region is cropped afresh under the new key and the image under the old
// key is evicted unless another annotation still maps to it. A nil number
// detaches the annotation.
func (s *Session) RetargetAnnotation(id string, number *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.annotationIndexLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownAnnotation, id)
	}
	s.pushHistoryLocked()

	old := s.annotations[idx]
	oldKey, hadKey := s.resolveLocked(old)

	a := old.clone()
	a.QuestionNumber = nil
	if number != nil {
		n := *number
		a.QuestionNumber = &n
	}
	s.annotations[idx] = a

	newKey, hasKey := s.resolveLocked(a)
	if hadKey && (!hasKey || newKey != oldKey) {
		s.releaseLocked(oldKey, old.ID)
	}
	if hasKey {
		s.cropLocked(newKey, a)
	}
	return nil
}

// DeleteAnnotation removes an annotation and evicts exactly the image keyed
// to its resolved question.
func (s *Session) DeleteAnnotation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.annotationIndexLocked(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownAnnotation, id)
	}
	s.pushHistoryLocked()

	a := s.annotations[idx]
	s.annotations = append(s.annotations[:idx:idx], s.annotations[idx+1:]...)
	if key, ok := s.resolveLocked(a); ok {
		s.releaseLocked(key, a.ID)
	}
	return nil
}

// ResetAnnotations removes every annotation and every cropped image.
func (s *Session) ResetAnnotations() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushHistoryLocked()
	s.annotations = nil
	s.syncLocked()
}

// UndoAnnotation restores the annotations as they were before the last
// annotation change. It returns false when there is nothing to undo.
func (s *Session) UndoAnnotation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.history)
	if n == 0 {
		return false
	}
	s.annotations = s.history[n-1]
	s.history = s.history[:n-1]
	s.recropLocked()
	return true
}

// SyncCroppedImages drops every image whose key no annotation references.
func (s *Session) SyncCroppedImages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked()
}

// ResolveAnnotation returns the key an annotation's crop is stored under.
func (s *Session) ResolveAnnotation(a Annotation) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(a)
}

// seedRegionAnnotations adds an annotation for every parsed question that
// came with a suggested image region.
func (s *Session) seedRegionAnnotations() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, q := range s.questions {
		if q.ImageRegion == nil {
			continue
		}
		number := q.Number
		a := Annotation{
			ID:             uuid.NewString(),
			TopLeft:        q.ImageRegion.TopLeft,
			BottomRight:    q.ImageRegion.BottomRight,
			QuestionNumber: &number,
			PageIndex:      q.PageIndex,
			ColorIndex:     len(s.annotations),
		}
		s.annotations = append(s.annotations, a)
		if key, ok := s.resolveLocked(a); ok {
			s.cropLocked(key, a)
		}
		added++
	}
	return added
}

func (s *Session) annotationIndexLocked(id string) int {
	for i, a := range s.annotations {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) pushHistoryLocked() {
	s.history = append(s.history, cloneAnnotations(s.annotations))
	if len(s.history) > maxUndo {
		s.history = s.history[len(s.history)-maxUndo:]
	}
}

func (s *Session) targetsLocked() []region.Target {
	targets := make([]region.Target, 0, len(s.questions))
	for _, q := range s.questions {
		t := region.Target{Key: q.ID, Number: q.Number}
		if p, ok := q.Parent(); ok {
			for _, sub := range p.Subquestions {
				t.Subs = append(t.Subs, region.SubTarget{Key: SubKey(q.ID, sub.ID), Label: sub.ID})
			}
		}
		targets = append(targets, t)
	}
	return targets
}

func (s *Session) resolveLocked(a Annotation) (string, bool) {
	if a.QuestionNumber == nil {
		return "", false
	}
	return region.Resolve(s.targetsLocked(), *a.QuestionNumber)
}

// cropLocked cuts a's region and stores it under key. A failed crop evicts
// whatever was stored under key, so an orphan never keeps a stale image.
func (s *Session) cropLocked(key string, a Annotation) {
	crop, ok := s.mapper.Crop(s.pages, a.PageIndex, a.Rect())
	if !ok {
		slog.Warn("annotation not cropped", "session_id", s.id, "annotation_id", a.ID, "key", key)
		s.evictLocked(key)
		return
	}
	s.images[key] = CroppedImage{
		Key:          key,
		Data:         crop.Data,
		Width:        crop.Width,
		Height:       crop.Height,
		AnnotationID: a.ID,
	}
	s.cropSources[key] = a.clone()
}

func (s *Session) evictLocked(key string) {
	delete(s.images, key)
	delete(s.cropSources, key)
}

// releaseLocked evicts key after annotation annID stopped pointing at it. If
// another annotation still maps to key, its region is cropped in place.
func (s *Session) releaseLocked(key, annID string) {
	s.evictLocked(key)
	for i := len(s.annotations) - 1; i >= 0; i-- {
		a := s.annotations[i]
		if a.ID == annID {
			continue
		}
		if k, ok := s.resolveLocked(a); ok && k == key {
			s.cropLocked(key, a)
			return
		}
	}
}

// recropLocked makes the image store match the annotations: every resolved
// key holds a crop of the last annotation mapping to it, and nothing else
// is kept. Crops whose source annotation is unchanged are reused.
func (s *Session) recropLocked() {
	want := make(map[string]Annotation)
	for _, a := range s.annotations {
		if key, ok := s.resolveLocked(a); ok {
			want[key] = a
		}
	}
	for key, a := range want {
		if src, ok := s.cropSources[key]; ok && sameRegion(src, a) {
			if _, ok := s.images[key]; ok {
				continue
			}
		}
		s.cropLocked(key, a)
	}
	for key := range s.images {
		if _, ok := want[key]; !ok {
			s.evictLocked(key)
		}
	}
}

func (s *Session) syncLocked() {
	referenced := make(map[string]bool, len(s.annotations))
	for _, a := range s.annotations {
		if key, ok := s.resolveLocked(a); ok {
			referenced[key] = true
		}
	}
	for key := range s.images {
		if !referenced[key] {
			slog.Debug("evicting orphaned crop", "session_id", s.id, "key", key)
			s.evictLocked(key)
		}
	}
}

func sameRegion(a, b Annotation) bool {
	return a.ID == b.ID && a.PageIndex == b.PageIndex && a.TopLeft == b.TopLeft && a.BottomRight == b.BottomRight
}
