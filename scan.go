package guard

import (
	"context"
	"sync"
	"time"

	"github.com/oarkflow/guard/logger"
)

// ============================================================================
// AUDIT INTEGRITY SCANNER
// ============================================================================

// IntegrityScanner periodically verifies every tenant's audit chain in the
// background. A broken chain cannot be repaired, only reported; the scanner
// logs the first divergent sequence and keeps scanning the other tenants.
type IntegrityScanner struct {
	service  *Service
	interval time.Duration
	workers  int
	log      logger.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type ScannerOption func(*IntegrityScanner)

func WithScanInterval(d time.Duration) ScannerOption {
	return func(sc *IntegrityScanner) {
		if d > 0 {
			sc.interval = d
		}
	}
}

func WithScanWorkers(n int) ScannerOption {
	return func(sc *IntegrityScanner) {
		if n > 0 {
			sc.workers = n
		}
	}
}

func WithScanLogger(l logger.Logger) ScannerOption {
	return func(sc *IntegrityScanner) {
		if l != nil {
			sc.log = l
		}
	}
}

func NewIntegrityScanner(service *Service, opts ...ScannerOption) *IntegrityScanner {
	sc := &IntegrityScanner{
		service:  service,
		interval: time.Hour,
		workers:  4,
		log:      logger.NewNullLogger(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sc)
	}
	return sc
}

// Start launches the scan loop. Calling Start twice is a no-op.
func (sc *IntegrityScanner) Start(ctx context.Context) {
	sc.mu.Lock()
	if sc.started {
		sc.mu.Unlock()
		return
	}
	sc.started = true
	sc.mu.Unlock()

	sc.wg.Add(1)
	go func() {
		defer sc.wg.Done()
		ticker := time.NewTicker(sc.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sc.stopCh:
				return
			case <-ticker.C:
				sc.ScanAll(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight scan to finish.
func (sc *IntegrityScanner) Stop(ctx context.Context) error {
	sc.mu.Lock()
	if !sc.started {
		sc.mu.Unlock()
		return nil
	}
	sc.started = false
	sc.mu.Unlock()

	close(sc.stopCh)
	done := make(chan struct{})
	go func() {
		sc.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// ScanReport summarizes one full pass.
type ScanReport struct {
	Scanned int
	Broken  []IntegrityError
	Errors  int
}

// ScanAll verifies every registered tenant's chain with bounded concurrency
// and returns a report. It is safe to call directly, outside the loop.
func (sc *IntegrityScanner) ScanAll(ctx context.Context) ScanReport {
	tenants := sc.service.Tenants().Tenants()
	sem := make(chan struct{}, sc.workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	report := ScanReport{}

	for _, tenantID := range tenants {
		select {
		case <-ctx.Done():
			return report
		default:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(tenantID string) {
			defer wg.Done()
			defer func() { <-sem }()
			ok, badSeq, err := sc.service.audit.VerifyChain(ctx, tenantID)
			mu.Lock()
			defer mu.Unlock()
			report.Scanned++
			if err != nil {
				report.Errors++
				sc.log.Error("audit chain scan failed", "tenant", tenantID, "err", err.Error())
				return
			}
			if !ok {
				report.Broken = append(report.Broken, IntegrityError{TenantID: tenantID, Seq: badSeq})
				sc.log.Warn("audit chain integrity broken", "tenant", tenantID, "seq", badSeq)
			}
		}(tenantID)
	}
	wg.Wait()
	return report
}
