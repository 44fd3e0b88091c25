// Package vectorindex implements the Vector Index (C2 in spec.md): a
// flat, exact similarity index over fixed-dimension embeddings, backed
// by one on-disk binary blob of vectors plus a gob-encoded metadata
// sidecar. It is the one component in this module with no suitable
// third-party client in the example corpus — see DESIGN.md for why it
// is hand-built instead of wired to coder/hnsw, qdrant-go-client, or
// pgvector.
package vectorindex

import (
	"context"
	"encoding/binary"
	"encoding/gob"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"ltmc/internal/errutil"
	"ltmc/internal/logging"
)

// Metric selects the distance function used for ranking.
type Metric string

const (
	MetricCosine Metric = "cos"
	MetricL2     Metric = "l2"
)

// Config fixes the index's shape for its lifetime.
type Config struct {
	Dimension     int
	Metric        Metric
	FlushInterval time.Duration
}

// Result is one ranked hit.
type Result struct {
	VectorID int64
	Score    float64
}

// Stats mirrors the teacher's HNSW store statistics, adapted to the
// flat index's own orphan concept (tombstoned vector ids still
// occupying a slot).
type Stats struct {
	ValidVectors int
	TotalSlots   int
	Tombstoned   int
}

type sidecar struct {
	Config     Config
	NextIndex  int
	SlotOf     map[int64]int // vector_id -> slot in the blob
	VectorOf   map[int]int64 // slot -> vector_id
	Tombstoned map[int64]bool
	Previews   map[int64]string // vector_id -> conversation_id, used by the conversation filter
}

// Index is the process-local flat vector index. All mutating and
// searching operations go through a single lock: flat-index writes are
// short, and a global lock avoids the coordination cost of sharding a
// structure this small (spec.md §5).
type Index struct {
	mu   sync.Mutex
	cfg  Config
	log  *zap.Logger
	path string // blob path; sidecar lives at path+".metadata"

	vectors [][]float32 // in-memory write-through cache, one row per slot
	meta    sidecar

	dirty      bool
	flushStop  chan struct{}
	flushDone  chan struct{}
}

// Open loads an existing index from disk, or initializes an empty one
// if no blob/sidecar pair exists yet at path.
func Open(path string, cfg Config) (*Index, error) {
	if cfg.Dimension <= 0 {
		return nil, errutil.New(errutil.InvalidInput, "vector dimension must be positive")
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}

	idx := &Index{
		cfg:  cfg,
		log:  logging.For("vi"),
		path: path,
		meta: sidecar{
			Config:     cfg,
			NextIndex:  0,
			SlotOf:     make(map[int64]int),
			VectorOf:   make(map[int]int64),
			Tombstoned: make(map[int64]bool),
			Previews:   make(map[int64]string),
		},
	}

	if _, err := os.Stat(metaPath(path)); err == nil {
		if err := idx.load(); err != nil {
			return nil, err
		}
	}

	idx.startFlusher()
	return idx, nil
}

func metaPath(path string) string { return path + ".metadata" }

// AddValidation reports spec.md §4.2's immediate-searchability
// self-check: "implementers must validate this on every add and report
// validation failure, do not hide it". A vector is validated by
// searching for itself immediately after insertion and confirming it
// comes back as its own top-1 neighbor.
type AddValidation struct {
	VectorID         int64
	ValidationPassed bool
}

// Add inserts vectors keyed by the vector ids the relational store
// already allocated. Re-adding an existing vector_id overwrites its
// slot in place (spec.md §4.2 step "write metadata entries doc_id -> N").
// It returns one AddValidation per vector, from the immediate-
// searchability self-check spec.md §4.2 and §8 scenario 4 require.
func (idx *Index) Add(ctx context.Context, vectorIDs []int64, vectors [][]float32) ([]AddValidation, error) {
	if len(vectorIDs) != len(vectors) {
		return nil, errutil.New(errutil.InvalidInput, "vector_ids and vectors length mismatch: %d vs %d", len(vectorIDs), len(vectors))
	}
	if len(vectorIDs) == 0 {
		return nil, nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	for i, v := range vectors {
		if len(v) != idx.cfg.Dimension {
			return nil, errutil.New(errutil.InvalidInput, "vector dimension mismatch: expected %d, got %d", idx.cfg.Dimension, len(v))
		}
		vid := vectorIDs[i]

		row := make([]float32, len(v))
		copy(row, v)
		if idx.cfg.Metric == MetricCosine {
			normalize(row)
		}

		if slot, exists := idx.meta.SlotOf[vid]; exists {
			idx.vectors[slot] = row
			delete(idx.meta.Tombstoned, vid)
			continue
		}

		slot := idx.meta.NextIndex
		idx.meta.NextIndex = slot + 1
		idx.meta.SlotOf[vid] = slot
		idx.meta.VectorOf[slot] = vid
		idx.vectors = append(idx.vectors, row)
	}

	idx.dirty = true

	validations := make([]AddValidation, len(vectorIDs))
	for i, vid := range vectorIDs {
		hits, err := idx.searchLocked(vectors[i], 1, nil)
		passed := err == nil && len(hits) > 0 && hits[0].VectorID == vid
		validations[i] = AddValidation{VectorID: vid, ValidationPassed: passed}
		if !passed {
			idx.log.Warn("immediate-search validation failed", zap.Int64("vector_id", vid))
		}
	}

	return validations, nil
}

// SetPreview records the conversation_id associated with a vector, used
// to post-filter search results without a second backend round trip.
func (idx *Index) SetPreview(vectorID int64, conversationID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.meta.Previews[vectorID] = conversationID
	idx.dirty = true
}

// Search returns the k nearest vectors to query by the configured metric.
func (idx *Index) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.searchLocked(query, k, nil)
}

// SearchWithConversationFilter widens the candidate pool roughly 10x and
// post-filters by conversation_id, per spec.md §4.2, collecting up to k
// matches or exhausting the widened pool.
func (idx *Index) SearchWithConversationFilter(ctx context.Context, query []float32, k int, conversationID string) ([]Result, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	widened := k * 10
	if widened < k {
		widened = k // overflow guard for absurd k
	}
	candidates, err := idx.searchLocked(query, widened, nil)
	if err != nil {
		return nil, err
	}

	filtered := make([]Result, 0, k)
	for _, c := range candidates {
		if idx.meta.Previews[c.VectorID] != conversationID {
			continue
		}
		filtered = append(filtered, c)
		if len(filtered) == k {
			break
		}
	}
	return filtered, nil
}

func (idx *Index) searchLocked(query []float32, k int, _ any) ([]Result, error) {
	if len(query) != idx.cfg.Dimension {
		return nil, errutil.New(errutil.InvalidInput, "query dimension mismatch: expected %d, got %d", idx.cfg.Dimension, len(query))
	}
	if k <= 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	if idx.cfg.Metric == MetricCosine {
		normalize(q)
	}

	results := make([]Result, 0, len(idx.meta.SlotOf))
	for vid, slot := range idx.meta.SlotOf {
		if idx.meta.Tombstoned[vid] {
			continue
		}
		score := similarity(q, idx.vectors[slot], idx.cfg.Metric)
		results = append(results, Result{VectorID: vid, Score: score})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete tombstones a vector id. Compaction (reclaiming the slot) is
// out of scope, matching spec.md §4.2.
func (idx *Index) Delete(ctx context.Context, vectorID int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.meta.SlotOf[vectorID]; !exists {
		return errutil.New(errutil.NotFound, "vector %d not found", vectorID)
	}
	idx.meta.Tombstoned[vectorID] = true
	delete(idx.meta.Previews, vectorID)
	idx.dirty = true
	return nil
}

// Restore clears vectorID's tombstone, making it eligible for search
// again without re-adding its vector data. Used by the atomic
// coordinator to undo a Delete during rollback (spec.md §4.9).
func (idx *Index) Restore(ctx context.Context, vectorID int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.meta.SlotOf[vectorID]; !exists {
		return errutil.New(errutil.NotFound, "vector %d not found", vectorID)
	}
	delete(idx.meta.Tombstoned, vectorID)
	idx.dirty = true
	return nil
}

// Exists reports whether vectorID is present and not tombstoned.
func (idx *Index) Exists(vectorID int64) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, ok := idx.meta.SlotOf[vectorID]
	return ok && !idx.meta.Tombstoned[vectorID]
}

// VectorByID returns a copy of the stored embedding for vectorID, used
// by auto-link-by-similarity to re-query with a document's own vector
// rather than a fresh query embedding.
func (idx *Index) VectorByID(vectorID int64) ([]float32, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	slot, ok := idx.meta.SlotOf[vectorID]
	if !ok || idx.meta.Tombstoned[vectorID] {
		return nil, false
	}
	v := make([]float32, len(idx.vectors[slot]))
	copy(v, idx.vectors[slot])
	return v, true
}

// Stats reports index occupancy for health checks and compaction
// decisions.
func (idx *Index) Stats() Stats {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tomb := len(idx.meta.Tombstoned)
	return Stats{
		ValidVectors: len(idx.meta.SlotOf) - tomb,
		TotalSlots:   len(idx.vectors),
		Tombstoned:   tomb,
	}
}

// Save persists the vector blob and metadata sidecar atomically (temp
// file + rename), matching the teacher's on-disk save discipline.
func (idx *Index) Save() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.saveLocked()
}

func (idx *Index) saveLocked() error {
	if dir := filepath.Dir(idx.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errutil.Wrap(errutil.BackendFailed, err, "vectorindex: create directory")
		}
	}

	tmp := idx.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errutil.Wrap(errutil.BackendFailed, err, "vectorindex: create blob temp file")
	}
	if err := writeBlob(f, idx.vectors); err != nil {
		f.Close()
		os.Remove(tmp)
		return errutil.Wrap(errutil.BackendFailed, err, "vectorindex: write blob")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errutil.Wrap(errutil.BackendFailed, err, "vectorindex: close blob")
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		os.Remove(tmp)
		return errutil.Wrap(errutil.BackendFailed, err, "vectorindex: rename blob")
	}

	metaTmp := metaPath(idx.path) + ".tmp"
	mf, err := os.Create(metaTmp)
	if err != nil {
		return errutil.Wrap(errutil.BackendFailed, err, "vectorindex: create metadata temp file")
	}
	if err := gob.NewEncoder(mf).Encode(idx.meta); err != nil {
		mf.Close()
		os.Remove(metaTmp)
		return errutil.Wrap(errutil.BackendFailed, err, "vectorindex: encode metadata")
	}
	if err := mf.Close(); err != nil {
		os.Remove(metaTmp)
		return errutil.Wrap(errutil.BackendFailed, err, "vectorindex: close metadata")
	}
	if err := os.Rename(metaTmp, metaPath(idx.path)); err != nil {
		os.Remove(metaTmp)
		return errutil.Wrap(errutil.BackendFailed, err, "vectorindex: rename metadata")
	}

	idx.dirty = false
	return nil
}

func (idx *Index) load() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	mf, err := os.Open(metaPath(idx.path))
	if err != nil {
		return errutil.Wrap(errutil.BackendFailed, err, "vectorindex: open metadata")
	}
	defer mf.Close()

	var m sidecar
	if err := gob.NewDecoder(mf).Decode(&m); err != nil {
		return errutil.Wrap(errutil.BackendFailed, err, "vectorindex: decode metadata")
	}
	idx.meta = m

	f, err := os.Open(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			idx.vectors = make([][]float32, len(idx.meta.VectorOf))
			return nil
		}
		return errutil.Wrap(errutil.BackendFailed, err, "vectorindex: open blob")
	}
	defer f.Close()

	vectors, err := readBlob(f, idx.cfg.Dimension)
	if err != nil {
		return errutil.Wrap(errutil.BackendFailed, err, "vectorindex: read blob")
	}
	idx.vectors = vectors
	return nil
}

// startFlusher launches the background save coalescer described in
// spec.md §5: "VI saves are coalesced by the background flusher."
func (idx *Index) startFlusher() {
	idx.flushStop = make(chan struct{})
	idx.flushDone = make(chan struct{})
	go func() {
		defer close(idx.flushDone)
		ticker := time.NewTicker(idx.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				idx.mu.Lock()
				dirty := idx.dirty
				idx.mu.Unlock()
				if dirty {
					if err := idx.Save(); err != nil {
						idx.log.Warn("background flush failed", zap.Error(err))
					}
				}
			case <-idx.flushStop:
				return
			}
		}
	}()
}

// Close stops the background flusher and performs a final save if
// dirty.
func (idx *Index) Close() error {
	close(idx.flushStop)
	<-idx.flushDone

	idx.mu.Lock()
	dirty := idx.dirty
	idx.mu.Unlock()
	if dirty {
		return idx.Save()
	}
	return nil
}

func writeBlob(f *os.File, vectors [][]float32) error {
	for _, v := range vectors {
		for _, f32 := range v {
			if err := binary.Write(f, binary.LittleEndian, f32); err != nil {
				return err
			}
		}
	}
	return nil
}

func readBlob(f *os.File, dim int) ([][]float32, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	floatSize := int64(4)
	rowBytes := floatSize * int64(dim)
	if dim == 0 || info.Size()%rowBytes != 0 {
		return nil, errutil.New(errutil.Integrity, "vector blob size %d not a multiple of row size %d", info.Size(), rowBytes)
	}
	rows := int(info.Size() / rowBytes)

	vectors := make([][]float32, rows)
	for i := 0; i < rows; i++ {
		row := make([]float32, dim)
		for j := 0; j < dim; j++ {
			if err := binary.Read(f, binary.LittleEndian, &row[j]); err != nil {
				return nil, err
			}
		}
		vectors[i] = row
	}
	return vectors, nil
}

func normalize(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

func similarity(a, b []float32, metric Metric) float64 {
	switch metric {
	case MetricL2:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return 1.0 / (1.0 + math.Sqrt(sum))
	default: // cosine: vectors are already unit-normalized, so dot product is the cosine similarity
		var dot float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		return dot
	}
}
