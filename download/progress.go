package download

import (
	"sync/atomic"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Progress tracks a Pool run's counters with atomics so the CLI's renderer
// and the pool's worker goroutines can touch it concurrently without a
// lock, per spec section 4.4's progress-reportability requirement.
type Progress struct {
	total  int64
	done   int64
	failed int64
	bytes  int64
}

// NewProgress returns a zeroed Progress.
func NewProgress() *Progress { return &Progress{} }

// SetTotal records the number of jobs a Run expects to process.
func (p *Progress) SetTotal(n int64) { atomic.StoreInt64(&p.total, n) }

// IncDone records one successfully committed job of the given size.
func (p *Progress) IncDone(size int64) {
	atomic.AddInt64(&p.done, 1)
	atomic.AddInt64(&p.bytes, size)
}

// IncFailed records one job that did not complete.
func (p *Progress) IncFailed() { atomic.AddInt64(&p.failed, 1) }

// Snapshot returns the current counters.
func (p *Progress) Snapshot() (total, done, failed, bytesTransferred int64) {
	return atomic.LoadInt64(&p.total), atomic.LoadInt64(&p.done), atomic.LoadInt64(&p.failed), atomic.LoadInt64(&p.bytes)
}

// Bar attaches an mpb bar to prog tracking p, the way the pack's mirroring
// CLI renders its own copy progress: one bar per run, decorated with a
// plain count and percentage rather than per-job spinners.
func (p *Progress) Bar(prog *mpb.Progress) *mpb.Bar {
	total, _, _, _ := p.Snapshot()
	return prog.AddBar(total,
		mpb.PrependDecorators(
			decor.Name("downloading "),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(decor.Percentage()),
	)
}

// Refresh advances bar to the run's current done+failed count, and resizes
// its total if SetTotal changed after the bar was created.
func (p *Progress) Refresh(bar *mpb.Bar) {
	total, done, failed, _ := p.Snapshot()
	bar.SetTotal(total, false)
	bar.SetCurrent(done + failed)
}
