package compensation

import (
	"context"
	"fmt"
)

// Transaction is a named grouping of node ids within one instance. Commit is
// a no-op marker; Rollback compensates the whole instance.
//
// TODO: boundary-scoped rollback limited to the transaction's node ids.
type Transaction struct {
	service            *Service
	name               string
	processInstanceKey int64
	nodeIds            []string
	committed          bool
	rolledBack         bool
}

// BeginTransaction opens a transaction boundary over the given node ids.
func (service *Service) BeginTransaction(processInstanceKey int64, name string, nodeIds []string) *Transaction {
	return &Transaction{
		service:            service,
		name:               name,
		processInstanceKey: processInstanceKey,
		nodeIds:            nodeIds,
	}
}

func (t *Transaction) Name() string {
	return t.name
}

func (t *Transaction) NodeIds() []string {
	return t.nodeIds
}

// Commit marks the boundary as settled. No compensation runs for a
// committed transaction.
func (t *Transaction) Commit() error {
	if t.rolledBack {
		return fmt.Errorf("transaction %s was already rolled back", t.name)
	}
	t.committed = true
	return nil
}

// Rollback compensates the owning instance. The boundary's node ids are not
// yet honoured as a filter; the whole instance is compensated.
func (t *Transaction) Rollback(ctx context.Context) (*Report, error) {
	if t.committed {
		return nil, fmt.Errorf("transaction %s was already committed", t.name)
	}
	t.rolledBack = true
	t.service.logger.Info("rolling back transaction boundary",
		"transaction", t.name, "processInstanceKey", t.processInstanceKey)
	return t.service.CompensateProcess(ctx, t.processInstanceKey, 0)
}
