package docgen

import (
	"context"
	"sync"
)

// workspaceLock は1つの作業ツリーに対する排他ロック
// generation はロックを取得するたびに増える（保持中のみ読み書きする）
type workspaceLock struct {
	sem        chan struct{}
	generation uint64
}

func (l *workspaceLock) release() {
	<-l.sem
}

// workspaceLocks は作業ツリーのパスごとのロックを管理する
type workspaceLocks struct {
	mu    sync.Mutex
	locks map[string]*workspaceLock
}

func newWorkspaceLocks() *workspaceLocks {
	return &workspaceLocks{locks: make(map[string]*workspaceLock)}
}

// acquire は path のロックを取得する。ctx が先に終了した場合は ctx のエラーを返す
func (w *workspaceLocks) acquire(ctx context.Context, path string) (*workspaceLock, error) {
	w.mu.Lock()
	l, ok := w.locks[path]
	if !ok {
		l = &workspaceLock{sem: make(chan struct{}, 1)}
		w.locks[path] = l
	}
	w.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
