// Package downloader drives a single file's download: a FileSlab tracks
// which chunks are still needed, origins are rated by RTT and scored by
// running mean chunk-time (internal/peerscore), and a control loop
// spawns bounded-parallel chunk fetches over internal/channel, reaping
// results, cancelling hung fetches, and refreshing the origin list from
// the metadata index when it thins out.
package downloader

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fileshare/fileshare/internal/channel"
	"github.com/fileshare/fileshare/internal/hashutil"
	"github.com/fileshare/fileshare/internal/peerscore"
	"github.com/fileshare/fileshare/internal/wire"
)

// Default tunables; Config may override each per download.
const (
	// MaxChunkDownloaders caps global in-flight chunk fetches per download.
	MaxChunkDownloaders = 2
	// ChunkTimeout is the wall-clock limit on a chunk fetch from start to
	// finish; the control loop cancels fetches that exceed it.
	ChunkTimeout = 5 * time.Second
	// RTTTimeout bounds the RTT probe exchange against a new origin.
	RTTTimeout = 2 * time.Second
	// RTTTolerance is the maximum disagreement between the measured RTT
	// and the remote's reported epoch split before the remote clock is
	// treated as unsynchronized.
	RTTTolerance = 500 * time.Millisecond

	controlLoopInterval = 1 * time.Second
	stopJoinTimeout     = 2 * time.Second
)

var (
	// ErrNoOrigins is returned when the origin set is empty and a
	// refresh produced nothing.
	ErrNoOrigins = errors.New("downloader: no origins available")
	// ErrStopped is the failure reason recorded when Stop is called
	// while chunks remain pending.
	ErrStopped = errors.New("downloader: stopped with chunks pending")
	// ErrChecksumMismatch is the failure reason recorded when the
	// completed file's content hash does not match the file id it was
	// downloaded under.
	ErrChecksumMismatch = errors.New("downloader: content hash mismatch")
)

// IndexClient is the subset of the metadata index protocol the download
// engine needs: refreshing the sharing clients for a file.
type IndexClient interface {
	SharingInfoRequest(fileID string) (wire.SharingInfoResponse, error)
}

// Dialer opens a connection to an origin's serving endpoint. Overridable
// in tests; defaults to a TCP dial bounded by the chunk timeout.
type Dialer func(ip [4]byte, port uint16) (net.Conn, error)

func timeoutDialer(timeout time.Duration) Dialer {
	return func(ip [4]byte, port uint16) (net.Conn, error) {
		addr := net.JoinHostPort(net.IP(ip[:]).String(), fmt.Sprintf("%d", port))
		return net.DialTimeout("tcp", addr, timeout)
	}
}

// Engine runs one file's download to completion.
type Engine struct {
	fileID string
	slab   *FileSlab
	index  IndexClient
	dial   Dialer
	logger *zap.Logger

	maxFetchers  int
	chunkTimeout time.Duration
	rttTimeout   time.Duration
	rttTolerance time.Duration

	tracker *peerscore.Tracker
	limiter *rate.Limiter // paces index refreshes (SharingInfoRequest)

	stopCh   chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	failed bool
	err    error
}

// Config configures a new Engine. The tunables default to the package
// constants when left zero; the chunk size is a fixed wire-protocol
// constant and is deliberately not configurable.
type Config struct {
	FileID string
	Size   int64
	Dest   string
	Index  IndexClient
	Dialer Dialer // nil uses a timeout-bounded TCP dial
	Logger *zap.Logger

	MaxChunkDownloaders  int
	MaxOriginDownloaders uint
	MaxOriginFails       uint
	MinOriginsForUpdate  int
	ChunkTimeout         time.Duration
	RTTTimeout           time.Duration
	RTTTolerance         time.Duration
}

// New constructs an Engine and preallocates its destination file. It
// does not start fetching until Run is called.
func New(cfg Config) (*Engine, error) {
	slab, err := NewFileSlab(cfg.Dest, cfg.Size)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	maxFetchers := cfg.MaxChunkDownloaders
	if maxFetchers <= 0 {
		maxFetchers = MaxChunkDownloaders
	}
	chunkTimeout := cfg.ChunkTimeout
	if chunkTimeout <= 0 {
		chunkTimeout = ChunkTimeout
	}
	rttTimeout := cfg.RTTTimeout
	if rttTimeout <= 0 {
		rttTimeout = RTTTimeout
	}
	rttTolerance := cfg.RTTTolerance
	if rttTolerance <= 0 {
		rttTolerance = RTTTolerance
	}

	dial := cfg.Dialer
	if dial == nil {
		dial = timeoutDialer(chunkTimeout)
	}

	return &Engine{
		fileID:       cfg.FileID,
		slab:         slab,
		index:        cfg.Index,
		dial:         dial,
		logger:       logger,
		maxFetchers:  maxFetchers,
		chunkTimeout: chunkTimeout,
		rttTimeout:   rttTimeout,
		rttTolerance: rttTolerance,
		tracker: peerscore.NewWithLimits(peerscore.Limits{
			MaxOriginDownloaders: cfg.MaxOriginDownloaders,
			MaxOriginFails:       cfg.MaxOriginFails,
			MinOriginsForUpdate:  cfg.MinOriginsForUpdate,
		}),
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
		stopCh:  make(chan struct{}),
	}, nil
}

// Slab exposes the engine's FileSlab for status reporting.
func (e *Engine) Slab() *FileSlab { return e.slab }

// Done reports whether the download has completed successfully.
func (e *Engine) Done() bool {
	if failed, _ := e.Failed(); failed {
		return false
	}
	return e.slab.Done()
}

// Failed reports whether the download has failed, and why.
func (e *Engine) Failed() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed, e.err
}

// Stop signals the control loop to exit. If chunks remain pending, the
// download is marked failed with ErrStopped.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// fetchTask is one in-flight chunk fetch. The control loop holds a
// reference so it can cancel the fetch if it outlives ChunkTimeout;
// cancellation closes the fetch's channel, unblocking any pending read.
type fetchTask struct {
	idx    uint32
	origin peerscore.Origin
	start  time.Time

	mu        sync.Mutex
	ch        *channel.Channel
	cancelled bool
}

// bind attaches the fetch's channel once dialed. Returns false if the
// task was already cancelled, in which case the caller must close ch.
func (f *fetchTask) bind(ch *channel.Channel) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return false
	}
	f.ch = ch
	return true
}

func (f *fetchTask) cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return
	}
	f.cancelled = true
	if f.ch != nil {
		_ = f.ch.Close()
	}
}

type fetchResult struct {
	task    *fetchTask
	data    []byte
	elapsed time.Duration
	err     error
}

// Run executes the control loop until the download completes, is
// stopped, or fails. It is meant to be called from its own goroutine.
func (e *Engine) Run() error {
	defer e.slab.Close()

	results := make(chan fetchResult, e.maxFetchers)
	tasks := make(map[*fetchTask]struct{})
	ticker := time.NewTicker(controlLoopInterval)
	defer ticker.Stop()

	for {
		if e.slab.Done() {
			return e.verifyContent()
		}

		select {
		case <-e.stopCh:
			for task := range tasks {
				task.cancel()
			}
			if err := e.drainInFlight(results, tasks); err != nil {
				return e.fail(err)
			}
			return e.verifyContent()

		case res := <-results:
			delete(tasks, res.task)
			e.reap(res)

		case <-ticker.C:
			for task := range tasks {
				if time.Since(task.start) > e.chunkTimeout {
					e.logger.Debug("downloader: cancelling hung fetch",
						zap.Uint32("chunk", task.idx), zap.String("origin", task.origin.ClientID))
					task.cancel()
				}
			}

			for len(tasks) < e.maxFetchers && e.slab.PendingCount() > 0 {
				idx, ok := e.slab.TakeChunk()
				if !ok {
					break
				}
				origin, fatal, err := e.selectOrigin()
				if err != nil {
					e.slab.ReturnChunk(idx)
					if fatal {
						for task := range tasks {
							task.cancel()
						}
						_ = e.drainInFlight(results, tasks)
						return e.fail(err)
					}
					break
				}
				task := &fetchTask{idx: idx, origin: origin, start: time.Now()}
				tasks[task] = struct{}{}
				go e.fetch(task, results)
			}
		}
	}
}

// drainInFlight waits briefly for cancelled fetches to report, then
// returns ErrStopped if the download did not finish cleanly.
func (e *Engine) drainInFlight(results chan fetchResult, tasks map[*fetchTask]struct{}) error {
	deadline := time.After(stopJoinTimeout)
	for len(tasks) > 0 {
		select {
		case res := <-results:
			delete(tasks, res.task)
			e.reap(res)
		case <-deadline:
			return ErrStopped
		}
	}
	if !e.slab.Done() {
		return ErrStopped
	}
	return nil
}

// reap applies one finished fetch to the slab and the origin stats: a
// success is written at its chunk offset and folded into the origin's
// running mean, a failure returns the chunk to pending and penalizes
// the origin.
func (e *Engine) reap(res fetchResult) {
	task := res.task
	if res.err != nil {
		e.logger.Debug("downloader: chunk fetch failed", zap.Uint32("chunk", task.idx), zap.Error(res.err))
		e.tracker.RecordFailure(task.origin.ClientID)
		e.slab.ReturnChunk(task.idx)
		return
	}
	if err := e.slab.WriteChunk(task.idx, res.data); err != nil {
		e.logger.Error("downloader: write chunk failed", zap.Uint32("chunk", task.idx), zap.Error(err))
		e.tracker.RecordFailure(task.origin.ClientID)
		e.slab.ReturnChunk(task.idx)
		return
	}
	e.tracker.RecordSuccess(task.origin.ClientID, res.elapsed.Seconds())
}

// selectOrigin picks the next origin under the two-tier rule, refreshing
// the origin list from the index when it has thinned out. A nil error
// means origin is valid. fatal reports that the download cannot make
// progress: the origin set is empty even after a refresh, or the index
// connection is gone.
func (e *Engine) selectOrigin() (origin peerscore.Origin, fatal bool, err error) {
	if o, serr := e.tracker.Select(); serr == nil {
		return o, false, nil
	}

	refreshed := false
	if e.tracker.NeedsRefresh() && e.index != nil && e.limiter.Allow() {
		refreshed = true
		if rerr := e.refreshOrigins(); rerr != nil {
			return peerscore.Origin{}, true, rerr
		}
		if o, serr := e.tracker.Select(); serr == nil {
			return o, false, nil
		}
	}

	if refreshed && e.tracker.Empty() {
		return peerscore.Origin{}, true, ErrNoOrigins
	}
	return peerscore.Origin{}, false, peerscore.ErrNoOrigin
}

// refreshOrigins asks the index who currently shares the file and rates
// every newly discovered origin. A dead index connection is fatal to
// the download; any other refresh failure just leaves the origin set
// unchanged until the next round.
func (e *Engine) refreshOrigins() error {
	info, err := e.index.SharingInfoRequest(e.fileID)
	if err != nil {
		if errors.Is(err, channel.ErrClosed) {
			return fmt.Errorf("downloader: origin refresh: %w", err)
		}
		e.logger.Debug("downloader: sharing info refresh failed", zap.Error(err))
		return nil
	}
	for _, c := range info.Clients {
		if c.Port == 0 {
			continue
		}
		o := peerscore.Origin{ClientID: c.ClientID, IP: c.IP, Port: c.Port}
		if e.tracker.EnsureOrigin(o) {
			if !e.rateOrigin(o) {
				e.tracker.Remove(o.ClientID)
			}
		}
	}
	return nil
}

// rateOrigin performs the RTT probe exchange and records the one-way
// split. When the remote's epoch arithmetic disagrees with the locally
// measured round trip by more than RTTTolerance, its clock is treated
// as unsynchronized and the measured RTT is split evenly instead.
// Returns false on timeout or connection failure; the origin is then
// discarded and retried on a later refresh.
func (e *Engine) rateOrigin(o peerscore.Origin) bool {
	conn, err := e.dial(o.IP, o.Port)
	if err != nil {
		return false
	}
	ch := channel.New(conn, e.logger)
	defer ch.Close()

	sendEpoch := nowMicros()
	sent := time.Now()
	if err := ch.Send(wire.Message{Type: wire.TypeRTTCheck, SendEpoch: sendEpoch}); err != nil {
		return false
	}
	resp, err := ch.WaitFor(wire.TypeRTTResponse, e.rttTimeout)
	if err != nil {
		return false
	}
	measured := time.Since(sent)
	now := nowMicros()

	a := float64(measured.Microseconds())
	f := float64(int64(resp.RecvEpoch) - int64(resp.SendEpoch))
	b := float64(int64(now) - int64(resp.RecvEpoch))

	if absFloat(a-(f+b)) > float64(e.rttTolerance.Microseconds()) {
		e.tracker.RecordRTT(o.ClientID, a/2, a/2)
		return true
	}
	e.tracker.RecordRTT(o.ClientID, f, b)
	return true
}

// fetch performs one chunk-fetch task: connect, request the chunk, wait
// for its data, and report the outcome. The control loop owns all stat
// updates; the fetcher only reports.
func (e *Engine) fetch(task *fetchTask, results chan<- fetchResult) {
	data, err := e.fetchChunk(task)
	results <- fetchResult{task: task, data: data, elapsed: time.Since(task.start), err: err}
}

func (e *Engine) fetchChunk(task *fetchTask) ([]byte, error) {
	conn, err := e.dial(task.origin.IP, task.origin.Port)
	if err != nil {
		return nil, err
	}
	ch := channel.New(conn, e.logger)
	if !task.bind(ch) {
		_ = ch.Close()
		return nil, channel.ErrCancelled
	}
	defer ch.Close()

	if err := ch.Send(wire.Message{Type: wire.TypeStartFileTransfer, FileID: e.fileID, ChunkIndex: task.idx}); err != nil {
		return nil, err
	}
	resp, err := ch.WaitFor(wire.TypeChunkDataResponse, channel.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	if resp.FileID != e.fileID || resp.ChunkIndex != task.idx {
		return nil, fmt.Errorf("downloader: chunk response mismatch for %d", task.idx)
	}
	return resp.ChunkData, nil
}

// verifyContent re-reads the completed file and checks that its MD5
// digest matches the content-addressed file id it was downloaded
// under. A mismatch fails the download: every chunk arrived, but from
// origins that collectively served something else.
func (e *Engine) verifyContent() error {
	f, err := os.Open(e.slab.Path)
	if err != nil {
		return e.fail(fmt.Errorf("downloader: verify %q: %w", e.slab.Path, err))
	}
	defer f.Close()

	ok, err := hashutil.Verify(f, e.fileID)
	if err != nil {
		return e.fail(fmt.Errorf("downloader: verify %q: %w", e.slab.Path, err))
	}
	if !ok {
		return e.fail(ErrChecksumMismatch)
	}
	return nil
}

func (e *Engine) fail(err error) error {
	if err == nil {
		return nil
	}
	e.mu.Lock()
	e.failed = true
	e.err = err
	e.mu.Unlock()
	return err
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func nowMicros() uint32 {
	return uint32(time.Now().UnixMicro())
}

// AggregateStop stops multiple engines and returns a combined error for
// any that failed to reach a clean state, used by the CLI's batch
// shutdown handling.
func AggregateStop(engines []*Engine) error {
	var result *multierror.Error
	for _, e := range engines {
		e.Stop()
	}
	for _, e := range engines {
		if failed, err := e.Failed(); failed && err != nil && !errors.Is(err, ErrStopped) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
