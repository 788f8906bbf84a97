package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/signalfeed/internal/model"
)

// Export is the downloadable form of a feed snapshot.
type Export struct {
	ID         uuid.UUID      `json:"id"`
	ExportedAt time.Time      `json:"exported_at"`
	Count      int            `json:"count"`
	Capacity   int            `json:"capacity"`
	Signals    []model.Signal `json:"signals"`
}

// Export captures the current snapshot.
func (f *Feed) Export() Export {
	signals := f.Snapshot()
	return Export{
		ID:         uuid.New(),
		ExportedAt: time.Now().UTC(),
		Count:      len(signals),
		Capacity:   f.Cap(),
		Signals:    signals,
	}
}

// WriteExport writes the current snapshot to w as indented JSON.
func (f *Feed) WriteExport(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(f.Export()); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return nil
}

// ReadExport decodes an export written by WriteExport.
func ReadExport(r io.Reader) (Export, error) {
	var exp Export
	if err := json.NewDecoder(r).Decode(&exp); err != nil {
		return Export{}, fmt.Errorf("decode export: %w", err)
	}
	if exp.Count != len(exp.Signals) {
		return Export{}, fmt.Errorf("decode export: count %d does not match %d signals", exp.Count, len(exp.Signals))
	}
	return exp, nil
}

// Oldest returns the export signals oldest first, the order ReplaceAll expects.
func (e Export) Oldest() []model.Signal {
	out := make([]model.Signal, len(e.Signals))
	for i, s := range e.Signals {
		out[len(e.Signals)-1-i] = s
	}
	return out
}
