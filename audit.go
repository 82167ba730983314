package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"time"
)

// ============================================================================
// AUDIT LOGGER
// ============================================================================

// Audit result values.
const (
	AuditResultAllowed  = "allowed"
	AuditResultDenied   = "denied"
	AuditResultError    = "error"
	AuditResultRecorded = "recorded"
)

// AuditLogEntry is one link in a tenant's hash chain. Hash covers every
// other field plus the previous entry's hash, so reordering, deletion, or
// mutation of any earlier entry breaks verification from that point on.
type AuditLogEntry struct {
	TenantID  string    `json:"tenant_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Result    string    `json:"result"`
	Reason    string    `json:"reason,omitempty"`
	Detail    []string  `json:"detail,omitempty"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// ComputeHash returns the chain hash for the entry given the predecessor's
// hash. The entry's own Hash field is excluded from the digest.
func (e *AuditLogEntry) ComputeHash(prevHash string) (string, error) {
	clone := *e
	clone.PrevHash = prevHash
	clone.Hash = ""
	payload, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("audit hash: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// AuditFilter narrows Query results. Zero values match everything.
type AuditFilter struct {
	FromSeq uint64
	ToSeq   uint64
	Actor   string
	Action  string
	Limit   int
}

// AuditLogger maintains one tamper evident hash chain per tenant. Appends
// within a tenant are serialized; chains of different tenants are fully
// independent and share no sequence space.
type AuditLogger struct {
	store AuditStore
	clock func() time.Time

	mu     sync.Mutex
	chains map[string]*chainHead
}

type chainHead struct {
	mu       sync.Mutex
	loaded   bool
	lastSeq  uint64
	lastHash string
}

func NewAuditLogger(store AuditStore) *AuditLogger {
	return &AuditLogger{store: store, clock: time.Now, chains: make(map[string]*chainHead)}
}

func (l *AuditLogger) head(tenantID string) *chainHead {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.chains[tenantID]
	if !ok {
		h = &chainHead{}
		l.chains[tenantID] = h
	}
	return h
}

// Append assigns the next sequence number, links the entry to the chain
// head, and persists it. Once begun the append runs to completion even if
// the caller's context is cancelled; a half linked chain is worse than a
// slow response. Concurrent appends for the same tenant serialize here.
func (l *AuditLogger) Append(ctx context.Context, entry *AuditLogEntry) (uint64, error) {
	if entry == nil || entry.TenantID == "" {
		return 0, fmt.Errorf("audit append: entry with tenant id is required")
	}
	h := l.head(entry.TenantID)
	h.mu.Lock()
	defer h.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if !h.loaded {
		last, err := l.store.LastEntry(ctx, entry.TenantID)
		if err != nil {
			return 0, fmt.Errorf("audit append: load chain head for %s: %w", entry.TenantID, err)
		}
		if last != nil {
			h.lastSeq = last.Seq
			h.lastHash = last.Hash
		}
		h.loaded = true
	}

	entry.Seq = h.lastSeq + 1
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock()
	}
	entry.PrevHash = h.lastHash
	hash, err := entry.ComputeHash(h.lastHash)
	if err != nil {
		return 0, err
	}
	entry.Hash = hash

	if err := l.store.AppendEntry(ctx, entry); err != nil {
		return 0, fmt.Errorf("audit append: persist seq %d for %s: %w", entry.Seq, entry.TenantID, err)
	}
	h.lastSeq = entry.Seq
	h.lastHash = entry.Hash
	return entry.Seq, nil
}

// VerifyChain walks the tenant's chain from genesis, recomputing every hash.
// It returns false plus the sequence number of the first entry whose link or
// digest does not match. An empty chain is trivially valid.
func (l *AuditLogger) VerifyChain(ctx context.Context, tenantID string) (bool, uint64, error) {
	prevHash := ""
	prevSeq := uint64(0)
	for entry, err := range l.iterate(ctx, tenantID, AuditFilter{}) {
		if err != nil {
			return false, 0, err
		}
		if entry.Seq != prevSeq+1 {
			return false, prevSeq + 1, nil
		}
		if entry.PrevHash != prevHash {
			return false, entry.Seq, nil
		}
		want, err := entry.ComputeHash(prevHash)
		if err != nil {
			return false, 0, err
		}
		if entry.Hash != want {
			return false, entry.Seq, nil
		}
		prevHash = entry.Hash
		prevSeq = entry.Seq
	}
	return true, 0, nil
}

// CheckIntegrity is VerifyChain folded into the error taxonomy: a broken
// chain surfaces as an IntegrityError naming the first divergent sequence.
func (l *AuditLogger) CheckIntegrity(ctx context.Context, tenantID string) error {
	ok, badSeq, err := l.VerifyChain(ctx, tenantID)
	if err != nil {
		return err
	}
	if !ok {
		return &IntegrityError{TenantID: tenantID, Seq: badSeq}
	}
	return nil
}

const queryPageSize = 256

// Query returns matching entries in sequence order as a lazy sequence. The
// caller may stop early; the store is paged rather than loaded wholesale.
func (l *AuditLogger) Query(ctx context.Context, tc *TenantContext, filter AuditFilter) iter.Seq2[*AuditLogEntry, error] {
	return func(yield func(*AuditLogEntry, error) bool) {
		if err := RequireContext(tc); err != nil {
			yield(nil, err)
			return
		}
		remaining := filter.Limit
		for entry, err := range l.iterate(ctx, tc.TenantID(), filter) {
			if err != nil {
				yield(nil, err)
				return
			}
			if filter.Actor != "" && entry.Actor != filter.Actor {
				continue
			}
			if filter.Action != "" && entry.Action != filter.Action {
				continue
			}
			if !yield(entry, nil) {
				return
			}
			if filter.Limit > 0 {
				remaining--
				if remaining == 0 {
					return
				}
			}
		}
	}
}

// iterate pages through the store by sequence range. Actor and action
// filtering happens in Query; here only the sequence window applies.
func (l *AuditLogger) iterate(ctx context.Context, tenantID string, filter AuditFilter) iter.Seq2[*AuditLogEntry, error] {
	return func(yield func(*AuditLogEntry, error) bool) {
		from := filter.FromSeq
		if from == 0 {
			from = 1
		}
		for {
			page := AuditFilter{FromSeq: from, ToSeq: filter.ToSeq, Limit: queryPageSize}
			entries, err := l.store.ListEntries(ctx, tenantID, page)
			if err != nil {
				yield(nil, fmt.Errorf("audit query %s: %w", tenantID, err))
				return
			}
			for _, e := range entries {
				if !yield(e, nil) {
					return
				}
			}
			if len(entries) < queryPageSize {
				return
			}
			from = entries[len(entries)-1].Seq + 1
		}
	}
}
