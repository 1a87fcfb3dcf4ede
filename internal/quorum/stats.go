package quorum

import "math/big"

// Stats 聚合了协作体的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int      `json:"total"`
	Pending         int      `json:"pending"`
	Voting          int      `json:"voting"`
	Active          int      `json:"active"`
	Completed       int      `json:"completed"`
	Failed          int      `json:"failed"`
	Graduated       int      `json:"graduated"`
	Halted          int      `json:"halted"`
	TotalRaised     *big.Int `json:"total_raised"`
	OldestUpdatedAt int64    `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64    `json:"newest_updated_at,omitempty"`
}
