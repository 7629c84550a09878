package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/samber/mo"

	"github.com/jinford/dev-docs/internal/core/pipeline"
)

// statusSource はジョブの状態を返す（*pipeline.Controller が満たす）
type statusSource interface {
	Status(id pipeline.JobID) mo.Option[pipeline.JobStatusDetail]
}

// ProgressWatcher はジョブの状態を一定間隔で取得し、変化があった場合のみ出力する
type ProgressWatcher struct {
	source   statusSource
	ids      []pipeline.JobID
	interval time.Duration
	out      io.Writer
	bar      *ProgressBar

	mu   sync.Mutex
	last map[pipeline.JobID]string
}

// NewProgressWatcher は新しい ProgressWatcher を作成する
func NewProgressWatcher(source statusSource, ids []pipeline.JobID, interval time.Duration, out io.Writer) *ProgressWatcher {
	return &ProgressWatcher{
		source:   source,
		ids:      ids,
		interval: interval,
		out:      out,
		bar:      NewProgressBar(len(ids), 40, "Jobs"),
		last:     make(map[pipeline.JobID]string, len(ids)),
	}
}

// Run は全ジョブが終端状態になるか ctx がキャンセルされるまで進捗を表示する
func (w *ProgressWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if w.Poll() == len(w.ids) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll は全ジョブの状態を1回取得して表示し、終端状態のジョブ数を返す
func (w *ProgressWatcher) Poll() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	var finished int
	for _, id := range w.ids {
		detail, ok := w.source.Status(id).Get()
		if !ok {
			// 履歴から追い出されたジョブは終了済みとみなす
			finished++
			continue
		}
		if detail.Status.IsTerminal() {
			finished++
		}

		line := detail.String()
		if w.last[id] != line {
			fmt.Fprintln(w.out, line)
			w.last[id] = line
		}
	}

	if bar := w.bar.Render(finished); bar != "" {
		fmt.Fprintln(w.out, bar)
	}
	return finished
}

// ProgressBar はシンプルなプログレスバーを表示する
type ProgressBar struct {
	total   int
	width   int
	prefix  string
	lastBar string
}

// NewProgressBar は新しいProgressBarを作成する
func NewProgressBar(total int, width int, prefix string) *ProgressBar {
	return &ProgressBar{
		total:  total,
		width:  width,
		prefix: prefix,
	}
}

// Render は完了数に応じたバーを返す（前回と同じ場合は空文字列）
func (pb *ProgressBar) Render(completed int) string {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(completed) / float64(pb.total)
	}

	filledWidth := int(float64(pb.width) * percentage)
	if filledWidth > pb.width {
		filledWidth = pb.width
	}

	var sb strings.Builder
	sb.WriteString(pb.prefix)
	sb.WriteString(" [")
	for i := 0; i < pb.width; i++ {
		switch {
		case i < filledWidth:
			sb.WriteByte('=')
		case i == filledWidth:
			sb.WriteByte('>')
		default:
			sb.WriteByte(' ')
		}
	}
	fmt.Fprintf(&sb, "] %d/%d (%.1f%%)", completed, pb.total, percentage*100)

	bar := sb.String()
	if bar == pb.lastBar {
		return ""
	}
	pb.lastBar = bar
	return bar
}
