package pipeline

// CompletedJob は終端状態に到達したジョブと、その時点で確定したステータス
type CompletedJob struct {
	Job    PipelineJob     `json:"job"`
	Detail JobStatusDetail `json:"detail"`
}

// history は終端ジョブを保持する固定長のリングバッファ
// 上限を超えると最も古いエントリから削除する（FIFO、参照による順序の入れ替えはしない）
type history struct {
	limit   int
	entries []CompletedJob
	start   int // 最も古いエントリの位置
	size    int
	index   map[JobID]int
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &history{
		limit:   limit,
		entries: make([]CompletedJob, limit),
		index:   make(map[JobID]int, limit),
	}
}

// push はエントリを追加し、押し出されたエントリの JobID を返す
func (h *history) push(entry CompletedJob) (evicted JobID, ok bool) {
	if h.size == h.limit {
		oldest := h.entries[h.start]
		delete(h.index, oldest.Job.ID)
		evicted, ok = oldest.Job.ID, true

		h.entries[h.start] = entry
		h.index[entry.Job.ID] = h.start
		h.start = (h.start + 1) % h.limit
		return evicted, ok
	}

	pos := (h.start + h.size) % h.limit
	h.entries[pos] = entry
	h.index[entry.Job.ID] = pos
	h.size++
	return "", false
}

// get は JobID に対応するエントリを返す
func (h *history) get(id JobID) (CompletedJob, bool) {
	pos, ok := h.index[id]
	if !ok {
		return CompletedJob{}, false
	}
	return h.entries[pos], true
}

// list は古い順に全エントリのコピーを返す
func (h *history) list() []CompletedJob {
	result := make([]CompletedJob, 0, h.size)
	for i := 0; i < h.size; i++ {
		result = append(result, h.entries[(h.start+i)%h.limit])
	}
	return result
}

func (h *history) len() int {
	return h.size
}
