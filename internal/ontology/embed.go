package ontology

import (
	"context"

	"github.com/rotisserie/eris"
)

// Embedder turns texts into vectors, one per text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Embed returns a copy of s carrying an embedding of every metric's
// representative label.
func Embed(ctx context.Context, e Embedder, s *Snapshot) (*Snapshot, error) {
	ids := s.IDs()
	texts := make([]string, len(ids))
	for i, id := range ids {
		texts[i] = s.Representative(id)
	}
	vecs, err := e.Embed(ctx, texts)
	if err != nil {
		return nil, eris.Wrap(err, "ontology: embed metrics")
	}
	if len(vecs) != len(ids) {
		return nil, eris.Errorf("ontology: embedder returned %d vectors for %d metrics", len(vecs), len(ids))
	}
	byID := make(map[string][]float32, len(ids))
	for i, id := range ids {
		byID[id] = vecs[i]
	}
	return s.WithEmbeddings(byID), nil
}
