package state

import (
	"encoding/json"
	"fmt"
)

// RepoState 是单个仓库的展示/布局偏好。新增字段必须同时在 DefaultRepoState 中给出默认值。
type RepoState struct {
	ColumnWidths       []int    `json:"columnWidths"`
	ShowRemoteBranches bool     `json:"showRemoteBranches"`
	CdvDivider         float64  `json:"cdvDivider"`
	CdvHeight          int      `json:"cdvHeight"`
	HideRemotes        []string `json:"hideRemotes"`
}

// RepoSet 以仓库路径为键。
type RepoSet map[string]RepoState

// DefaultRepoState 返回当前 schema 的默认记录；每次调用返回独立的切片。
func DefaultRepoState() RepoState {
	return RepoState{
		ColumnWidths:       nil,
		ShowRemoteBranches: true,
		CdvDivider:         0.5,
		CdvHeight:          250,
		HideRemotes:        []string{},
	}
}

// NormalizeRepoState 将存储的字段覆盖在默认记录之上：存储值优先，缺失字段取默认值。
// 切片字段上的显式 null 保留为 nil；标量字段上的 null 视同缺失，取默认值。
// 空输入或 null 返回默认记录。
func NormalizeRepoState(raw json.RawMessage) (RepoState, error) {
	state := DefaultRepoState()
	if len(raw) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return DefaultRepoState(), fmt.Errorf("decode repo state: %w", err)
	}
	return state, nil
}

func normalizeRepoSet(stored map[string]json.RawMessage) (RepoSet, error) {
	repos := make(RepoSet, len(stored))
	for path, raw := range stored {
		state, err := NormalizeRepoState(raw)
		if err != nil {
			return nil, fmt.Errorf("repo %s: %w", path, err)
		}
		repos[path] = state
	}
	return repos, nil
}
