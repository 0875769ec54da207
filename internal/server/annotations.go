package server

import (
	"slices"

	"github.com/google/uuid"
	"github.com/paperdesk/collab-server/internal/types"
)

// annotationStore holds the canonical annotation records keyed by owning
// document. It is owned by the hub's run loop and is not safe for
// concurrent use.
type annotationStore struct {
	byDoc map[string][]types.Annotation
	docOf map[string]string
	ids   []string
}

func newAnnotationStore() *annotationStore {
	return &annotationStore{
		byDoc: make(map[string][]types.Annotation),
		docOf: make(map[string]string),
	}
}

// List returns a copy of the annotation set for documentRef in creation
// order.
func (s *annotationStore) List(documentRef string) []types.Annotation {
	return slices.Clone(s.byDoc[documentRef])
}

// Create stores an annotation under documentRef, assigning an id when the
// caller did not supply one and stamping the creation time. Supplying an
// id makes the operation repeat-safe for reconnecting clients; otherwise
// every call creates a new record.
func (s *annotationStore) Create(documentRef string, a types.Annotation) types.Annotation {
	if a.Id == "" {
		a.Id = uuid.NewString()
	}
	a.DocumentRef = documentRef
	a.CreatedAt = Now()

	if existing, ok := s.docOf[a.Id]; ok {
		s.remove(existing, a.Id)
	}
	s.byDoc[documentRef] = append(s.byDoc[documentRef], a)
	s.docOf[a.Id] = documentRef
	s.ids = append(s.ids, a.Id)

	return a
}

// All returns every annotation across documents in creation order.
func (s *annotationStore) All() []types.Annotation {
	anns := make([]types.Annotation, 0, len(s.ids))
	for _, id := range s.ids {
		doc := s.docOf[id]
		i := slices.IndexFunc(s.byDoc[doc], func(a types.Annotation) bool { return a.Id == id })
		if i >= 0 {
			anns = append(anns, s.byDoc[doc][i])
		}
	}
	return anns
}

// Update merges a patch into the record identified by patch.Id, leaving
// id, owning document and creation time untouched. The second return is
// false when no such record exists.
func (s *annotationStore) Update(patch types.AnnotationPatch) (types.Annotation, bool) {
	documentRef, ok := s.docOf[patch.Id]
	if !ok {
		return types.Annotation{}, false
	}

	anns := s.byDoc[documentRef]
	i := slices.IndexFunc(anns, func(a types.Annotation) bool { return a.Id == patch.Id })
	if i < 0 {
		return types.Annotation{}, false
	}

	a := anns[i]
	if patch.Kind != nil {
		a.Kind = *patch.Kind
	}
	if patch.PageNumber != nil {
		a.PageNumber = *patch.PageNumber
	}
	if patch.Content != nil {
		a.Content = *patch.Content
	}
	if patch.Position != nil {
		a.Position = *patch.Position
	}
	if patch.Color != nil {
		a.Color = *patch.Color
	}
	anns[i] = a

	return a, true
}

// Delete removes the record by id, returning the owning document so the
// caller can scope the deletion broadcast. The second return is false
// when the id is unknown.
func (s *annotationStore) Delete(id string) (string, bool) {
	documentRef, ok := s.docOf[id]
	if !ok {
		return "", false
	}

	s.remove(documentRef, id)
	return documentRef, true
}

func (s *annotationStore) remove(documentRef, id string) {
	anns := s.byDoc[documentRef]
	i := slices.IndexFunc(anns, func(a types.Annotation) bool { return a.Id == id })
	if i >= 0 {
		s.byDoc[documentRef] = slices.Delete(anns, i, i+1)
		if len(s.byDoc[documentRef]) == 0 {
			delete(s.byDoc, documentRef)
		}
	}
	delete(s.docOf, id)
	if i := slices.Index(s.ids, id); i >= 0 {
		s.ids = slices.Delete(s.ids, i, i+1)
	}
}

func (s *annotationStore) count() int {
	return len(s.docOf)
}
