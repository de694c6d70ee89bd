package task

// TaskStats 汇总协作任务的状态分布，供 /collaborations/stats 与健康检查使用。
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Exhausted 是 Failed 中不会再被重投的部分。
	Exhausted       int   `json:"exhausted"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// SuccessRate 返回已结束任务中成功的比例，没有已结束任务时为 0。
func (s TaskStats) SuccessRate() float64 {
	finished := s.Succeeded + s.Exhausted
	if finished == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(finished)
}
