package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/songzhibin97/approval-engine/types"
)

// resolveAssignees returns the active users the node's assignment covers,
// deduplicated and in ascending order. An empty result is not an error.
func (e *Engine) resolveAssignees(ctx context.Context, companyID uint64, node types.Node) ([]uint64, error) {
	if node.Assignment == nil {
		return nil, nil
	}
	ids, err := e.directory.ListActiveUsers(ctx, companyID, *node.Assignment)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s at level %d: %w", node.Assignment, node.Sequence, err)
	}

	seen := make(map[uint64]struct{}, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup || id == 0 {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
