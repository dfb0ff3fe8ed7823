package download

import (
	"time"

	"github.com/breeze-rmm/vrupdate/internal/update"
)

// progressWriter counts bytes written through it and reports throttled
// progress events.
type progressWriter struct {
	total    int64
	done     int64
	start    time.Time
	last     time.Time
	progress update.ProgressFunc
}

func newProgressWriter(total int64, progress update.ProgressFunc) *progressWriter {
	now := time.Now()
	return &progressWriter{total: total, start: now, progress: progress}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.done += int64(len(p))
	if now := time.Now(); now.Sub(w.last) >= progressInterval {
		w.last = now
		w.report(now)
	}
	return len(p), nil
}

func (w *progressWriter) finish() {
	if w.total <= 0 {
		w.total = w.done
	}
	w.report(time.Now())
}

func (w *progressWriter) report(now time.Time) {
	if w.progress == nil {
		return
	}
	p := update.Progress{
		Stage:      "downloading",
		BytesDone:  w.done,
		BytesTotal: w.total,
	}
	if w.total > 0 {
		p.Percent = float64(w.done) * 100 / float64(w.total)
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	if elapsed := now.Sub(w.start).Seconds(); elapsed > 0 {
		p.BytesPerSecond = float64(w.done) / elapsed
	}
	w.progress(p)
}
