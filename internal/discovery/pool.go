package discovery

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leadharvest/harvester/internal/engine"
	"github.com/leadharvest/harvester/internal/metrics"
	"github.com/leadharvest/harvester/internal/progress"
)

// Config sizes the pool and its retry/probing behavior.
type Config struct {
	Workers            int
	MaxRetries         int
	BackoffMin         time.Duration
	BackoffMax         time.Duration
	ContactPaths       []string
	DenyPatterns       []string
	SkipDomains        []string
	NavTimeout         time.Duration
	PromotionThreshold int
}

// Store is the persistence surface the pool needs.
type Store interface {
	SaveEntityEmail(ctx context.Context, entityID string, email string, altEmails []string) error
	ListEntitiesMissingEmail(ctx context.Context, limit int) ([]engine.Entity, error)
}

// Guard paces requests and reacts to block signals.
type Guard interface {
	Wait(ctx context.Context, rawURL string) error
	RegisterFailure(site string, err error)
	RegisterSuccess()
	RotateIfNeeded(ctx context.Context) error
}

// Snapshot is a point-in-time view of the pool, safe to serve concurrently.
type Snapshot struct {
	Running       bool          `json:"is_running"`
	Processed     int           `json:"processed"`
	Found         int           `json:"found"`
	QueueLength   int           `json:"queue_length"`
	ActiveWorkers int           `json:"active_workers"`
	Elapsed       time.Duration `json:"elapsed"`
}

// Pool crawls entity websites with a fixed set of worker slots. Each run
// seeds a FIFO queue; the dispatcher hands entities to free slots and a
// worker slot never serves two entities at once.
type Pool struct {
	cfg       Config
	policy    *engine.RetryPolicy
	store     Store
	probe     engine.PageFetcher
	headless  engine.PageFetcher
	guard     Guard
	archive   engine.SnapshotStore
	hasher    engine.Hasher
	emitter   progress.Emitter
	extractor *Extractor
	skip      *SkipMatcher
	clock     engine.Clock
	logger    *zap.Logger

	mu        sync.Mutex
	running   bool
	stopping  bool
	queue     []engine.Entity
	freeSlots []int
	active    map[int]string
	processed int
	found     int
	started   time.Time
	wake      chan struct{}
	runDone   chan struct{}
}

// Deps carries the pool's collaborators. Headless, Archive, Hasher, and
// Emitter are optional.
type Deps struct {
	Store    Store
	Probe    engine.PageFetcher
	Headless engine.PageFetcher
	Guard    Guard
	Archive  engine.SnapshotStore
	Hasher   engine.Hasher
	Emitter  progress.Emitter
	Clock    engine.Clock
	Logger   *zap.Logger
}

// NewPool builds a Pool.
func NewPool(cfg Config, deps Deps) (*Pool, error) {
	if deps.Store == nil || deps.Probe == nil || deps.Guard == nil || deps.Clock == nil {
		return nil, fmt.Errorf("store, probe fetcher, guard, and clock are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:       cfg,
		policy:    engine.NewRetryPolicy(cfg.MaxRetries, cfg.BackoffMin, cfg.BackoffMax),
		store:     deps.Store,
		probe:     deps.Probe,
		headless:  deps.Headless,
		guard:     deps.Guard,
		archive:   deps.Archive,
		hasher:    deps.Hasher,
		emitter:   deps.Emitter,
		extractor: NewExtractor(cfg.DenyPatterns),
		skip:      NewSkipMatcher(cfg.SkipDomains),
		clock:     deps.Clock,
		logger:    logger.Named("discovery"),
	}, nil
}

// Run seeds a new discovery run over the given entities and returns the
// queued count without waiting for completion. Entities are deduplicated by
// ID; entities with an email already set or no website are skipped. A run
// in progress rejects with engine.ErrAlreadyRunning.
func (p *Pool) Run(ctx context.Context, entities []engine.Entity) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return 0, engine.ErrAlreadyRunning
	}

	seen := make(map[string]struct{}, len(entities))
	p.queue = p.queue[:0]
	for _, e := range entities {
		if e.ID == "" || e.Email != "" || e.Website == "" {
			continue
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		p.queue = append(p.queue, e)
	}
	queued := len(p.queue)
	if queued == 0 {
		return 0, nil
	}

	p.running = true
	p.stopping = false
	p.processed = 0
	p.found = 0
	p.started = p.clock.Now()
	p.active = make(map[int]string, p.cfg.Workers)
	p.freeSlots = p.freeSlots[:0]
	for i := 0; i < p.cfg.Workers; i++ {
		p.freeSlots = append(p.freeSlots, i)
	}
	p.wake = make(chan struct{}, 1)
	p.runDone = make(chan struct{})

	go p.dispatch(ctx, p.wake, p.runDone)
	p.logger.Info("discovery run started", zap.Int("queued", queued), zap.Int("workers", p.cfg.Workers))
	return queued, nil
}

// RunPending loads entities missing an email from the store and starts a
// run over them.
func (p *Pool) RunPending(ctx context.Context, limit int) (int, error) {
	entities, err := p.store.ListEntitiesMissingEmail(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list entities missing email: %w", err)
	}
	return p.Run(ctx, entities)
}

// Stop requests a cooperative shutdown: the pending queue is cleared and
// in-flight extractions run to completion. Returns the snapshot taken at
// the moment of the request.
func (p *Pool) Stop() Snapshot {
	p.mu.Lock()
	if p.running {
		p.stopping = true
		p.queue = nil
		p.signalLocked()
	}
	snap := p.snapshotLocked()
	p.mu.Unlock()
	return snap
}

// Status returns a read-only snapshot.
func (p *Pool) Status() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Done returns a channel closed when the current run finishes. Nil when no
// run has started yet.
func (p *Pool) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runDone
}

func (p *Pool) snapshotLocked() Snapshot {
	snap := Snapshot{
		Running:       p.running,
		Processed:     p.processed,
		Found:         p.found,
		QueueLength:   len(p.queue),
		ActiveWorkers: len(p.active),
	}
	if !p.started.IsZero() {
		snap.Elapsed = p.clock.Now().Sub(p.started)
	}
	return snap
}

func (p *Pool) signalLocked() {
	if p.wake == nil {
		return
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// dispatch owns the free-slot set for one run. It hands queued entities to
// free slots until the queue drains or a stop request arrives, then waits
// for active workers before closing out the run.
func (p *Pool) dispatch(ctx context.Context, wake chan struct{}, done chan struct{}) {
	ctxDone := ctx.Done()
	for {
		p.mu.Lock()
		for !p.stopping && len(p.queue) > 0 && len(p.freeSlots) > 0 {
			entity := p.queue[0]
			p.queue = p.queue[1:]
			slot := p.freeSlots[len(p.freeSlots)-1]
			p.freeSlots = p.freeSlots[:len(p.freeSlots)-1]
			p.active[slot] = entity.ID
			go p.work(ctx, slot, entity)
		}
		if (p.stopping || len(p.queue) == 0) && len(p.active) == 0 {
			p.running = false
			p.logger.Info("discovery run finished",
				zap.Int("processed", p.processed),
				zap.Int("found", p.found),
				zap.Bool("stopped", p.stopping))
			p.mu.Unlock()
			close(done)
			return
		}
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctxDone:
			p.mu.Lock()
			p.stopping = true
			p.queue = nil
			p.mu.Unlock()
			ctxDone = nil
		}
	}
}

func (p *Pool) work(ctx context.Context, slot int, entity engine.Entity) {
	metrics.IncDiscoveryWorkers()
	start := p.clock.Now()

	email, alts := p.extract(ctx, entity)
	if email != "" {
		if err := p.store.SaveEntityEmail(ctx, entity.ID, email, alts); err != nil {
			p.logger.Warn("persist entity email",
				zap.String("entity_id", entity.ID), zap.Error(err))
			email = ""
		}
	}

	metrics.DecDiscoveryWorkers()
	metrics.ObserveEntityProcessed(email != "")
	p.emit(progress.Event{
		ID:    entity.ID,
		TS:    p.clock.Now(),
		Stage: progress.StageEntityDone,
		Site:  entity.Domain,
		Found: len(alts),
		Dur:   p.clock.Now().Sub(start),
	})

	p.mu.Lock()
	delete(p.active, slot)
	p.freeSlots = append(p.freeSlots, slot)
	p.processed++
	if email != "" {
		p.found++
	}
	p.signalLocked()
	p.mu.Unlock()
}

// extract visits the entity's website and, when nothing turns up there,
// probes likely contact paths on its domain. Returns the ranked primary
// address plus every valid candidate.
func (p *Pool) extract(ctx context.Context, entity engine.Entity) (string, []string) {
	candidates := p.collect(ctx, entity.Website)
	if len(candidates) == 0 && entity.Domain != "" {
		for _, path := range p.cfg.ContactPaths {
			if p.isStopping() || ctx.Err() != nil {
				break
			}
			candidates = p.collect(ctx, "https://"+entity.Domain+path)
			if len(candidates) > 0 {
				break
			}
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}
	ranked := Rank(candidates, entity.Domain)
	alts := make([]string, 0, len(ranked))
	for _, c := range ranked {
		alts = append(alts, c.Address)
	}
	return ranked[0].Address, alts
}

func (p *Pool) collect(ctx context.Context, rawURL string) []engine.EmailCandidate {
	page, err := p.fetchWithRetry(ctx, rawURL)
	if err != nil {
		p.logger.Debug("fetch failed", zap.String("url", rawURL), zap.Error(err))
		return nil
	}
	return p.extractor.Extract(page)
}

// fetchWithRetry applies the retry policy around a guarded fetch. Block
// signals trigger rotation and do not consume the transient retry budget,
// though they are capped separately to stay finite.
func (p *Pool) fetchWithRetry(ctx context.Context, rawURL string) (engine.Page, error) {
	if p.skip.Skip(rawURL) {
		return engine.Page{}, fmt.Errorf("skip-listed domain: %s", rawURL)
	}
	site := hostOf(rawURL)
	attempt := 1
	blockRetries := 0
	for {
		if err := p.guard.Wait(ctx, rawURL); err != nil {
			return engine.Page{}, fmt.Errorf("rate wait: %w", err)
		}
		page, err := p.fetch(ctx, rawURL)
		if err == nil {
			p.guard.RegisterSuccess()
			metrics.ObserveFetch(site, page.Duration)
			p.archivePage(ctx, site, page)
			return page, nil
		}

		p.guard.RegisterFailure(site, err)
		if rotateErr := p.guard.RotateIfNeeded(ctx); rotateErr != nil {
			p.logger.Warn("rotation failed", zap.Error(rotateErr))
		}
		if engine.IsBlockSignal(err) && blockRetries < p.policy.MaxAttempts() {
			blockRetries++
			continue
		}
		if !p.policy.ShouldRetry(err, attempt) {
			return engine.Page{}, err
		}
		if !sleepCtx(ctx, p.policy.Backoff(attempt)) {
			return engine.Page{}, fmt.Errorf("backoff wait: %w", ctx.Err())
		}
		attempt++
	}
}

// fetch probes with the cheap fetcher and promotes to the headless browser
// when the result looks JavaScript-rendered.
func (p *Pool) fetch(ctx context.Context, rawURL string) (engine.Page, error) {
	navCtx, cancel := context.WithTimeout(ctx, p.cfg.NavTimeout)
	defer cancel()

	page, err := p.probe.Fetch(navCtx, rawURL)
	if err != nil {
		return engine.Page{}, err
	}
	if p.headless == nil || !p.needsRender(page) {
		return page, nil
	}
	rendered, err := p.headless.Fetch(navCtx, rawURL)
	if err != nil {
		p.logger.Debug("headless promotion failed, keeping probe result",
			zap.String("url", rawURL), zap.Error(err))
		return page, nil
	}
	return rendered, nil
}

var tagPattern = regexp.MustCompile(`(?s)<script.*?</script>|<style.*?</style>|<[^>]*>`)

// needsRender decides whether the static body is too thin to trust. Pages
// that are mostly script with little visible text get the full browser.
func (p *Pool) needsRender(page engine.Page) bool {
	if page.Rendered {
		return false
	}
	threshold := p.cfg.PromotionThreshold
	if threshold <= 0 {
		threshold = 60
	}
	visible := strings.TrimSpace(tagPattern.ReplaceAllString(page.Body, " "))
	if len(visible) < threshold {
		return true
	}
	lower := strings.ToLower(page.Body)
	return strings.Contains(lower, "enable javascript") ||
		strings.Contains(lower, "you need to enable javascript")
}

func (p *Pool) archivePage(ctx context.Context, site string, page engine.Page) {
	if p.archive == nil || p.hasher == nil || page.Body == "" {
		return
	}
	digest, err := p.hasher.Hash([]byte(page.Body))
	if err != nil {
		return
	}
	path := fmt.Sprintf("%s/%s.html", site, digest)
	if _, err := p.archive.PutObject(ctx, path, "text/html", []byte(page.Body)); err != nil {
		p.logger.Debug("archive snapshot", zap.String("path", path), zap.Error(err))
	}
}

func (p *Pool) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

func (p *Pool) emit(evt progress.Event) {
	if p.emitter != nil {
		p.emitter.Emit(evt)
	}
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	return rawURL
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
