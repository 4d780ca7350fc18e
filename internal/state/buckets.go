package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"grimm.is/chainwall/internal/conntrack"
)

// Standard bucket names
const (
	BucketConntrack      = "conntrack"
	BucketRulesets       = "rulesets"
	BucketRulesetHistory = "ruleset_history"
)

const checkpointKey = "checkpoint"

// FlowRecord is the stored form of a tracked flow.
type FlowRecord struct {
	Src     string `json:"src"`
	Dst     string `json:"dst"`
	SrcPort uint16 `json:"sport,omitempty"`
	DstPort uint16 `json:"dport,omitempty"`
	Proto   uint8  `json:"proto"`
	Dir     string `json:"dir"`
	State   string `json:"state"`
	Packets uint64 `json:"packets,omitempty"`
	Bytes   uint64 `json:"bytes,omitempty"`
}

// Checkpoint is a saved copy of the connection table.
type Checkpoint struct {
	TakenAt time.Time    `json:"taken_at"`
	Flows   []FlowRecord `json:"flows"`
}

// ConntrackBucket provides typed access to connection table checkpoints.
type ConntrackBucket struct {
	store  Store
	bucket string
}

// NewConntrackBucket creates a new conntrack bucket accessor.
func NewConntrackBucket(store Store) (*ConntrackBucket, error) {
	if err := ensureBucket(store, BucketConntrack); err != nil {
		return nil, err
	}
	return &ConntrackBucket{store: store, bucket: BucketConntrack}, nil
}

// Save replaces the checkpoint with flows. A positive ttl lets a stale
// checkpoint expire so an old table is never restored after a long outage.
func (b *ConntrackBucket) Save(flows []conntrack.Flow, takenAt time.Time, ttl time.Duration) error {
	cp := Checkpoint{TakenAt: takenAt.UTC(), Flows: make([]FlowRecord, 0, len(flows))}
	for _, f := range flows {
		cp.Flows = append(cp.Flows, FlowRecord{
			Src:     formatIPv4(f.Key.SrcIP),
			Dst:     formatIPv4(f.Key.DstIP),
			SrcPort: f.Key.SrcPort,
			DstPort: f.Key.DstPort,
			Proto:   f.Key.Proto,
			Dir:     f.Key.Dir.String(),
			State:   f.State.String(),
			Packets: f.Packets,
			Bytes:   f.Bytes,
		})
	}
	if ttl > 0 {
		return b.store.SetJSONWithTTL(b.bucket, checkpointKey, cp, ttl)
	}
	return b.store.SetJSON(b.bucket, checkpointKey, cp)
}

// Load returns the flows of the current checkpoint, or ErrNotFound.
// Records that cannot be decoded are skipped and counted in skipped.
func (b *ConntrackBucket) Load() (flows []conntrack.Flow, takenAt time.Time, skipped int, err error) {
	var cp Checkpoint
	if err := b.store.GetJSON(b.bucket, checkpointKey, &cp); err != nil {
		return nil, time.Time{}, 0, err
	}

	flows = make([]conntrack.Flow, 0, len(cp.Flows))
	for _, r := range cp.Flows {
		f, err := r.flow()
		if err != nil {
			skipped++
			continue
		}
		flows = append(flows, f)
	}
	return flows, cp.TakenAt, skipped, nil
}

// Clear removes the checkpoint.
func (b *ConntrackBucket) Clear() error {
	err := b.store.Delete(b.bucket, checkpointKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (r FlowRecord) flow() (conntrack.Flow, error) {
	src, err := parseIPv4(r.Src)
	if err != nil {
		return conntrack.Flow{}, err
	}
	dst, err := parseIPv4(r.Dst)
	if err != nil {
		return conntrack.Flow{}, err
	}
	st, err := conntrack.ParseState(r.State)
	if err != nil {
		return conntrack.Flow{}, err
	}
	dir, err := conntrack.ParseDir(r.Dir)
	if err != nil {
		return conntrack.Flow{}, err
	}
	return conntrack.Flow{
		Key: conntrack.Key{
			SrcIP:   src,
			DstIP:   dst,
			SrcPort: r.SrcPort,
			DstPort: r.DstPort,
			Proto:   r.Proto,
			Dir:     dir,
		},
		State:   st,
		Packets: r.Packets,
		Bytes:   r.Bytes,
	}, nil
}

// DefaultHistoryLimit is how many previous revisions of each ruleset are kept.
const DefaultHistoryLimit = 10

// Revision describes one saved version of a ruleset.
type Revision struct {
	Path    string    `json:"path"`
	Seq     uint64    `json:"seq"`
	SavedAt time.Time `json:"saved_at"`
	Size    int       `json:"size"`
}

// RulesetStorage keeps rule files in the state store instead of on disk.
// Every write also records a revision so earlier rulesets can be inspected
// or rolled back to.
type RulesetStorage struct {
	store        Store
	historyLimit int
}

// NewRulesetStorage creates the ruleset buckets. A non-positive limit uses
// DefaultHistoryLimit.
func NewRulesetStorage(store Store, historyLimit int) (*RulesetStorage, error) {
	if err := ensureBucket(store, BucketRulesets); err != nil {
		return nil, err
	}
	if err := ensureBucket(store, BucketRulesetHistory); err != nil {
		return nil, err
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &RulesetStorage{store: store, historyLimit: historyLimit}, nil
}

// ReadFile returns the current ruleset stored under path. A missing ruleset
// reports fs.ErrNotExist like a missing file.
func (r *RulesetStorage) ReadFile(path string) ([]byte, error) {
	data, err := r.store.Get(BucketRulesets, path)
	if errors.Is(err, ErrNotFound) {
		return nil, &fs.PathError{Op: "read", Path: path, Err: fs.ErrNotExist}
	}
	return data, err
}

// WriteFile stores data as the current ruleset for path and appends it to
// the history, trimming revisions beyond the limit.
func (r *RulesetStorage) WriteFile(path string, data []byte) error {
	if err := r.store.Set(BucketRulesets, path, data); err != nil {
		return err
	}

	seq := r.store.CurrentVersion()
	if err := r.store.Set(BucketRulesetHistory, historyKey(path, seq), data); err != nil {
		return err
	}
	return r.trim(path)
}

// History lists the stored revisions of path, newest first.
func (r *RulesetStorage) History(path string) ([]Revision, error) {
	keys, err := r.historyKeys(path)
	if err != nil {
		return nil, err
	}

	revs := make([]Revision, 0, len(keys))
	for _, k := range keys {
		e, err := r.store.GetWithMeta(BucketRulesetHistory, k.key)
		if err != nil {
			continue
		}
		revs = append(revs, Revision{Path: path, Seq: k.seq, SavedAt: e.UpdatedAt, Size: len(e.Value)})
	}
	return revs, nil
}

// ReadRevision returns the content of one revision of path.
func (r *RulesetStorage) ReadRevision(path string, seq uint64) ([]byte, error) {
	return r.store.Get(BucketRulesetHistory, historyKey(path, seq))
}

type historyEntry struct {
	key string
	seq uint64
}

func historyKey(path string, seq uint64) string {
	return fmt.Sprintf("%s@%020d", path, seq)
}

// historyKeys returns the revisions of path, newest first.
func (r *RulesetStorage) historyKeys(path string) ([]historyEntry, error) {
	keys, err := r.store.ListKeys(BucketRulesetHistory)
	if err != nil {
		return nil, err
	}

	prefix := path + "@"
	var out []historyEntry
	for _, k := range keys {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		seq, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, historyEntry{key: k, seq: seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq > out[j].seq })
	return out, nil
}

func (r *RulesetStorage) trim(path string) error {
	keys, err := r.historyKeys(path)
	if err != nil {
		return err
	}
	for _, k := range keys[min(len(keys), r.historyLimit):] {
		if err := r.store.Delete(BucketRulesetHistory, k.key); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

func formatIPv4(ip uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return netip.AddrFrom4(b).String()
}

func parseIPv4(s string) (uint32, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return 0, fmt.Errorf("invalid IPv4 address %q", s)
	}
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:]), nil
}
