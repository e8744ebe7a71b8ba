package kernel

import (
	"context"
	"fmt"
	"strings"

	"github.com/apexsystems/apex-payroll-kernel/internal/audit"
	"github.com/apexsystems/apex-payroll-kernel/internal/rpcstate"
)

// readResource dispatches a resources/read URI to its backing
// collaborator (spec.md §6): the ledger for payroll://, the external
// vector store for memory://, and the audit log's degrade ring buffer
// for system://.
func readResource(ctx context.Context, k *Kernel, uri string) (any, *rpcstate.Error) {
	switch {
	case strings.HasPrefix(uri, "payroll://ledger/"):
		agentID := strings.TrimPrefix(uri, "payroll://ledger/")
		agent, err := k.ledger.Snapshot(ctx, agentID)
		if err != nil {
			return nil, rpcstate.NewError(rpcstate.InvalidParams, "", "")
		}
		return agent, nil

	case strings.HasPrefix(uri, "memory://vector/"):
		query := strings.TrimPrefix(uri, "memory://vector/")
		if !k.vector.Configured() {
			return nil, rpcstate.NewError(rpcstate.InternalError, "", "vector_store_unconfigured")
		}
		hits, err := k.vector.TopK(ctx, query, 5)
		if err != nil {
			return nil, rpcstate.NewError(rpcstate.InternalError, "", "")
		}
		return map[string]any{"results": hits}, nil

	case strings.HasPrefix(uri, "system://logs/"):
		level := strings.TrimPrefix(uri, "system://logs/")
		return filterLogsByLevel(k.auditLog.RecentRecords(), level), nil

	default:
		return nil, rpcstate.NewError(rpcstate.InvalidParams, "", fmt.Sprintf("unsupported_uri:%s", uri))
	}
}

// filterLogsByLevel narrows the audit log's recent records (populated
// only while the log is degraded) to those matching level, or all of
// them for level "all".
func filterLogsByLevel(records []audit.Record, level string) []audit.Record {
	if level == "" || level == "all" {
		return records
	}
	out := make([]audit.Record, 0, len(records))
	for _, r := range records {
		if r.Level() == level {
			out = append(out, r)
		}
	}
	return out
}
