package pipeline

import "container/heap"

// queueItem は待機中ジョブのキューエントリ
type queueItem struct {
	id       JobID
	priority uint8
	seq      uint64
	ready    chan struct{} // スロットが割り当てられると close される
	index    int           // ヒープ内の位置（キュー外の場合は -1）
}

// jobQueue は priority 降順、同一 priority は投入順で並ぶ優先度キュー
// container/heap.Interface を実装する
type jobQueue []*queueItem

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// push はアイテムをキューに追加する
func (q *jobQueue) push(item *queueItem) {
	heap.Push(q, item)
}

// pop は最も優先度の高いアイテムを取り出す
func (q *jobQueue) pop() *queueItem {
	return heap.Pop(q).(*queueItem)
}

// remove はキュー内のアイテムを取り除く（キュー外の場合は false）
func (q *jobQueue) remove(item *queueItem) bool {
	if item.index < 0 || item.index >= q.Len() || (*q)[item.index] != item {
		return false
	}
	heap.Remove(q, item.index)
	return true
}
