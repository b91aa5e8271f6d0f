package transition

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/23skdu/longbow-precision/internal/metrics"
	"github.com/23skdu/longbow-precision/internal/precision"
	"github.com/gocarina/gocsv"
)

// Stage is one place in the inference pipeline.
type Stage string

const (
	Dispatch Stage = "dispatch"
	Quantize Stage = "quantize"
	Infer    Stage = "infer"
	Compress Stage = "compress"
)

var Stages = [...]Stage{Dispatch, Quantize, Infer, Compress}

func (s Stage) Valid() bool {
	for _, v := range Stages {
		if v == s {
			return true
		}
	}
	return false
}

// Weight encodes the bit depth a transition ran at: 1, 2, 3 for INT4,
// INT8, FP16.
func Weight(bits precision.BitDepth) uint32 {
	switch bits {
	case precision.INT4:
		return 1
	case precision.INT8:
		return 2
	case precision.FP16:
		return 3
	}
	return 0
}

type Record struct {
	From     Stage
	To       Stage
	Weight   uint32
	BitDepth precision.BitDepth
	At       time.Time
}

// Log is an append-only record of pipeline stage transitions.
type Log struct {
	mu      sync.RWMutex
	records []Record
}

func NewLog() *Log {
	return &Log{}
}

// LogTransition appends a record. Records are never changed or removed.
func (l *Log) LogTransition(from, to Stage, bits precision.BitDepth) Record {
	r := Record{From: from, To: to, Weight: Weight(bits), BitDepth: bits, At: time.Now()}
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()
	metrics.RecordTransition(string(from), string(to), r.Weight)
	return r
}

// Records returns a copy of every record in append order.
func (l *Log) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Key groups transitions for Counts.
type Key struct {
	From   Stage
	To     Stage
	Weight uint32
}

func (k Key) String() string {
	return fmt.Sprintf("%s->%s/%d", k.From, k.To, k.Weight)
}

// Counts aggregates records by (from, to, weight).
func (l *Log) Counts() map[Key]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[Key]int)
	for _, r := range l.records {
		out[Key{From: r.From, To: r.To, Weight: r.Weight}]++
	}
	return out
}

// SortedKeys returns the keys of counts in a stable order.
func SortedKeys(counts map[Key]int) []Key {
	keys := make([]Key, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

type csvRecord struct {
	From   string `csv:"from"`
	To     string `csv:"to"`
	Weight uint32 `csv:"weight"`
	Bits   int    `csv:"bits"`
	At     string `csv:"at"`
}

// WriteCSV exports the log with a header row.
func (l *Log) WriteCSV(w io.Writer) error {
	records := l.Records()
	rows := make([]*csvRecord, 0, len(records))
	for _, r := range records {
		rows = append(rows, &csvRecord{
			From:   string(r.From),
			To:     string(r.To),
			Weight: r.Weight,
			Bits:   int(r.BitDepth),
			At:     r.At.UTC().Format(time.RFC3339Nano),
		})
	}
	if err := gocsv.Marshal(rows, w); err != nil {
		return fmt.Errorf("write transitions csv: %w", err)
	}
	return nil
}
