package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/registry"
	"github.com/cirisai/ciris-engine/pkg/services"
)

// MemoryProvider is a graph memory backend. The canonical implementation is
// the graph service over the SQL store; adapters may register alternatives.
type MemoryProvider interface {
	UpsertNode(ctx context.Context, node *models.GraphNode) (*models.GraphNode, error)
	QueryNodes(ctx context.Context, query models.RecallQuery) ([]*models.GraphNode, error)
	DeleteNode(ctx context.Context, key models.NodeKey) error
}

// MemoryBus carries graph memory reads and writes. Schema validation runs
// before any provider sees a write; conflicting writes to the same node key
// are serialized so concurrent occurrences cannot interleave an upsert.
// Recall results are filtered through the consent policy so a lapsed or
// revoked grant blocks the subject's data at read time.
type MemoryBus struct {
	core *core

	mu    sync.Mutex
	locks map[models.NodeKey]*sync.Mutex
}

func newMemoryBus(core *core) *MemoryBus {
	return &MemoryBus{core: core, locks: make(map[models.NodeKey]*sync.Mutex)}
}

// Memorize validates and writes a node. Returns the stored node with its
// version stamped.
func (b *MemoryBus) Memorize(ctx context.Context, node *models.GraphNode) (*models.GraphNode, error) {
	if node == nil {
		return nil, services.NewValidationError("node", "required")
	}
	if err := node.ValidateSchema(); err != nil {
		return nil, services.NewValidationError("node", err.Error())
	}

	lock := b.nodeLock(node.Key())
	lock.Lock()
	defer lock.Unlock()

	var stored *models.GraphNode
	err := b.core.invoke(ctx, registry.CapabilityMemory, registry.Selector{}, "memorize", node.Key().String(),
		func(ctx context.Context, p registry.Provider) (callResult, error) {
			mp, ok := p.Instance.(MemoryProvider)
			if !ok {
				return callResult{}, fmt.Errorf("provider %q does not implement MemoryProvider", p.Name)
			}
			var err error
			stored, err = mp.UpsertNode(ctx, node)
			if err != nil {
				return callResult{}, err
			}
			return callResult{response: fmt.Sprintf("v%d", stored.Version)}, nil
		})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Recall reads nodes matching the query.
func (b *MemoryBus) Recall(ctx context.Context, query models.RecallQuery) ([]*models.GraphNode, error) {
	if query.Key == nil && query.Scope == "" {
		return nil, services.NewValidationError("query", "requires a key or a scope")
	}

	var nodes []*models.GraphNode
	err := b.core.invoke(ctx, registry.CapabilityMemory, registry.Selector{}, "recall", recallSummary(query),
		func(ctx context.Context, p registry.Provider) (callResult, error) {
			mp, ok := p.Instance.(MemoryProvider)
			if !ok {
				return callResult{}, fmt.Errorf("provider %q does not implement MemoryProvider", p.Name)
			}
			var err error
			nodes, err = mp.QueryNodes(ctx, query)
			if err != nil {
				return callResult{}, err
			}
			return callResult{response: fmt.Sprintf("%d nodes", len(nodes))}, nil
		})
	if err != nil {
		return nil, err
	}
	return b.filterByConsent(ctx, nodes), nil
}

// filterByConsent drops nodes whose subject no longer permits reads of
// their category: an expired temporary grant or a revocation makes the
// subject's data unreadable here even before the retention sweep removes
// it. Nodes that are not subject data pass through, as does everything
// when no consent policy is wired. A failed consent lookup withholds the
// node.
func (b *MemoryBus) filterByConsent(ctx context.Context, nodes []*models.GraphNode) []*models.GraphNode {
	if b.core.consent == nil || len(nodes) == 0 {
		return nodes
	}
	kept := make([]*models.GraphNode, 0, len(nodes))
	for _, node := range nodes {
		subject := node.SubjectID()
		if subject == "" {
			kept = append(kept, node)
			continue
		}
		allowed, err := b.core.consent.PermitsRead(ctx, subject, node.Type.DataCategory())
		if err != nil {
			b.core.logger.Warn("Consent lookup failed, withholding node",
				"key", node.Key().String(), "error", err)
			continue
		}
		if allowed {
			kept = append(kept, node)
		}
	}
	return kept
}

// Forget deletes or anonymizes a node. Deleting an absent node is a no-op;
// FORGET is idempotent.
func (b *MemoryBus) Forget(ctx context.Context, key models.NodeKey) error {
	if key.ID == "" || !key.Scope.IsValid() || !key.Type.IsValid() {
		return services.NewValidationError("key", "requires scope, type, and id")
	}

	lock := b.nodeLock(key)
	lock.Lock()
	defer lock.Unlock()

	return b.core.invoke(ctx, registry.CapabilityMemory, registry.Selector{}, "forget", key.String(),
		func(ctx context.Context, p registry.Provider) (callResult, error) {
			mp, ok := p.Instance.(MemoryProvider)
			if !ok {
				return callResult{}, fmt.Errorf("provider %q does not implement MemoryProvider", p.Name)
			}
			if err := mp.DeleteNode(ctx, key); err != nil {
				return callResult{}, err
			}
			return callResult{response: "forgotten"}, nil
		})
}

// nodeLock returns the serialization lock for one node key. Locks are never
// released from the map; the key space is bounded by the graph's size and
// each entry is a bare mutex.
func (b *MemoryBus) nodeLock(key models.NodeKey) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[key] = lock
	}
	return lock
}

func recallSummary(q models.RecallQuery) string {
	if q.Key != nil {
		return q.Key.String()
	}
	return fmt.Sprintf("%s/%s?%s=%s", q.Scope, q.Type, q.AttrKey, q.AttrValue)
}
