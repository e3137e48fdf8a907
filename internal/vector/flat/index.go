package flat

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Fhyywen/shixun-qiu/internal/vector"
)

const (
	indexSuffix = ".index"
	dataSuffix  = ".data"
)

var magic = [8]byte{'K', 'B', 'Q', 'A', 'F', 'L', 'T', '1'}

// Index is an exact nearest-neighbour index over unit vectors using squared
// L2 distance. It is safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	dim     int
	records []vector.Record
	log     *zap.Logger
}

var (
	_ vector.Store     = (*Index)(nil)
	_ vector.Persister = (*Index)(nil)
)

func New(dim int, log *zap.Logger) *Index {
	if log == nil {
		log = zap.NewNop()
	}
	return &Index{dim: dim, log: log}
}

// Exists reports whether both files of a persisted index are present.
func Exists(path string) bool {
	for _, p := range []string{path + indexSuffix, path + dataSuffix} {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// Remove deletes the persisted files, ignoring ones that are already gone.
func Remove(path string) error {
	for _, p := range []string{path + indexSuffix, path + dataSuffix} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (x *Index) Dimension() int { return x.dim }
func (x *Index) Close() error   { return nil }

func (x *Index) Add(_ context.Context, records []vector.Record) error {
	for _, r := range records {
		if len(r.Embedding) != x.dim {
			return fmt.Errorf("%w: record %s has %d, index has %d", vector.ErrDimensionMismatch, r.ID, len(r.Embedding), x.dim)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.records = append(x.records, records...)
	return nil
}

func (x *Index) Search(_ context.Context, query []float32, k int) ([]vector.SearchResult, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", vector.ErrDimensionMismatch, len(query), x.dim)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	if k > len(x.records) {
		k = len(x.records)
	}
	if k <= 0 {
		return nil, nil
	}

	dist := make([]float32, len(x.records))
	order := make([]int, len(x.records))
	for i, r := range x.records {
		dist[i] = squaredL2(query, r.Embedding)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return dist[order[a]] < dist[order[b]] })

	results := make([]vector.SearchResult, k)
	for i := 0; i < k; i++ {
		j := order[i]
		results[i] = vector.SearchResult{
			Record:     x.records[j],
			Distance:   dist[j],
			Similarity: vector.SimilarityFromDistance(dist[j]),
		}
	}
	return results, nil
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func (x *Index) HasSource(_ context.Context, source string) (bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, r := range x.records {
		if r.Source == source {
			return true, nil
		}
	}
	return false, nil
}

func (x *Index) DeleteBySource(_ context.Context, source string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	kept := x.records[:0]
	removed := 0
	for _, r := range x.records {
		if r.Source == source {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	x.records = kept
	return removed, nil
}

func (x *Index) Count(context.Context) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.records), nil
}

func (x *Index) Sources(context.Context) ([]vector.SourceInfo, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return vector.SummarizeSources(x.records), nil
}

// Records returns a copy of the indexed records without their embeddings.
func (x *Index) Records() []vector.Record {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]vector.Record, len(x.records))
	for i, r := range x.records {
		r.Embedding = nil
		out[i] = r
	}
	return out
}

type dataFile struct {
	Dimension int             `json:"dimension"`
	Count     int             `json:"count"`
	Records   []vector.Record `json:"records"`
}

// Save writes <path>.index (header plus little-endian float32 rows) and
// <path>.data (JSON records without vectors).
func (x *Index) Save(path string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	if err := writeAtomic(path+indexSuffix, func(w io.Writer) error {
		return x.writeVectors(w)
	}); err != nil {
		return fmt.Errorf("failed to write vectors: %w", err)
	}

	if err := writeAtomic(path+dataSuffix, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		return enc.Encode(dataFile{Dimension: x.dim, Count: len(x.records), Records: x.records})
	}); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}

	x.log.Info("Vector index saved", zap.String("path", path), zap.Int("records", len(x.records)))
	return nil
}

func (x *Index) writeVectors(w io.Writer) error {
	header := make([]byte, 16)
	copy(header, magic[:])
	binary.LittleEndian.PutUint32(header[8:], uint32(x.dim))
	binary.LittleEndian.PutUint32(header[12:], uint32(len(x.records)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	for _, r := range x.records {
		if err := binary.Write(w, binary.LittleEndian, r.Embedding); err != nil {
			return err
		}
	}
	return nil
}

// Load replaces the in-memory contents with a persisted index. The files
// must agree with each other and with the index dimension.
func (x *Index) Load(path string) error {
	data, err := os.ReadFile(path + dataSuffix)
	if err != nil {
		return fmt.Errorf("failed to read records: %w", err)
	}
	var df dataFile
	if err := json.Unmarshal(data, &df); err != nil {
		return fmt.Errorf("failed to decode records: %w", err)
	}
	if df.Dimension != x.dim {
		return fmt.Errorf("%w: persisted %d, index has %d", vector.ErrDimensionMismatch, df.Dimension, x.dim)
	}
	if df.Count != len(df.Records) {
		return fmt.Errorf("corrupt index data: count %d, records %d", df.Count, len(df.Records))
	}

	f, err := os.Open(path + indexSuffix)
	if err != nil {
		return fmt.Errorf("failed to open vectors: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	header := make([]byte, 16)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("failed to read index header: %w", err)
	}
	if string(header[:8]) != string(magic[:]) {
		return fmt.Errorf("corrupt index file: bad magic")
	}
	dim := int(binary.LittleEndian.Uint32(header[8:]))
	count := int(binary.LittleEndian.Uint32(header[12:]))
	if dim != x.dim {
		return fmt.Errorf("%w: vectors have %d, index has %d", vector.ErrDimensionMismatch, dim, x.dim)
	}
	if count != len(df.Records) {
		return fmt.Errorf("corrupt index: %d vectors for %d records", count, len(df.Records))
	}

	for i := range df.Records {
		emb := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, emb); err != nil {
			return fmt.Errorf("failed to read vector %d: %w", i, err)
		}
		df.Records[i].Embedding = emb
	}

	x.mu.Lock()
	x.records = df.Records
	x.mu.Unlock()

	x.log.Info("Vector index loaded", zap.String("path", path), zap.Int("records", count))
	return nil
}

func writeAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := write(w); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
