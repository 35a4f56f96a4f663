package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

func (t *toolset) systemInfo(ctx context.Context, args map[string]any) (any, error) {
	snap := t.mon.Snapshot(ctx)
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return textResult(string(b)), nil
}
