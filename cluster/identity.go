package cluster

import (
	"fmt"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/shorgi/redpanda/model"
)

// IdentityRegistry is the authoritative mapping between node UUIDs and node
// IDs. The mapping is an injection in both directions: a UUID maps to at most
// one ID and no ID is ever bound to two UUIDs. Entries are never deleted, and
// the assignment counter stays strictly above every ID in the registry.
//
// All operations run on the controller shard and are serialised by the
// manager, so the registry itself is not synchronised.
type IdentityRegistry struct {
	logger         kitlog.Logger
	idByUUID       map[model.NodeUUID]model.NodeID
	uuidByID       map[model.NodeID]model.NodeUUID
	nextAssignedID model.NodeID
}

func NewIdentityRegistry(logger kitlog.Logger) *IdentityRegistry {
	return &IdentityRegistry{
		logger:         logger,
		idByUUID:       make(map[model.NodeUUID]model.NodeID),
		uuidByID:       make(map[model.NodeID]model.NodeUUID),
		nextAssignedID: 1,
	}
}

// TryRegister binds the UUID to the requested ID. If the UUID is already
// registered, it returns true only when the stored ID matches the requested
// one; if the ID is already bound to a different UUID, it returns false.
// Registering the unassigned sentinel is an invariant violation.
func (r *IdentityRegistry) TryRegister(requested model.NodeID, uuid model.NodeUUID) bool {
	if !requested.Assigned() {
		panic(fmt.Sprintf("cannot register node uuid %s with an unassigned node id", uuid))
	}

	if id, ok := r.idByUUID[uuid]; ok {
		return id == requested
	}

	if _, taken := r.uuidByID[requested]; taken {
		return false
	}

	level.Info(r.logger).Log("msg", "registering node id", "id", requested, "uuid", uuid)

	r.insert(uuid, requested)

	return true
}

// GetOrAssign returns the ID registered for the UUID, assigning the next free
// one if the UUID is unknown. IDs present in the members table or in its
// removed set are skipped via the inUse callback, in addition to the ones
// already bound here. The second return value is false once the ID space is
// exhausted.
func (r *IdentityRegistry) GetOrAssign(uuid model.NodeUUID, inUse func(model.NodeID) bool) (model.NodeID, bool) {
	if id, ok := r.idByUUID[uuid]; ok {
		return id, true
	}

	for inUse(r.nextAssignedID) {
		if r.nextAssignedID == model.MaxNodeID {
			return model.UnassignedNodeID, false
		}

		r.nextAssignedID++
	}

	if r.nextAssignedID == model.MaxNodeID {
		return model.UnassignedNodeID, false
	}

	id := r.nextAssignedID
	r.insert(uuid, id)

	level.Info(r.logger).Log("msg", "assigned node id", "uuid", uuid, "id", id)

	return id, true
}

// Get returns the ID registered for the UUID. Calling it for an unregistered
// UUID is an invariant violation.
func (r *IdentityRegistry) Get(uuid model.NodeUUID) model.NodeID {
	id, ok := r.idByUUID[uuid]
	if !ok {
		panic(fmt.Sprintf("node uuid %s is not registered", uuid))
	}

	return id
}

// Lookup returns the ID registered for the UUID, if any.
func (r *IdentityRegistry) Lookup(uuid model.NodeUUID) (model.NodeID, bool) {
	id, ok := r.idByUUID[uuid]
	return id, ok
}

// InstallInitialMap seeds the registry from a snapshot. The registry must be
// empty. The assignment counter starts just past the highest installed ID so
// that removed seed servers are accounted for.
func (r *IdentityRegistry) InstallInitialMap(idByUUID map[model.NodeUUID]model.NodeID) {
	if len(r.idByUUID) > 0 {
		panic("will not overwrite existing node uuid registrations")
	}

	for uuid, id := range idByUUID {
		r.insert(uuid, id)
	}
}

// insert stores the binding and advances the assignment counter past the
// given ID, clamping at the sentinel.
func (r *IdentityRegistry) insert(uuid model.NodeUUID, id model.NodeID) {
	r.idByUUID[uuid] = id
	r.uuidByID[id] = uuid

	if id == model.MaxNodeID {
		r.nextAssignedID = id
		return
	}

	if id+1 > r.nextAssignedID {
		r.nextAssignedID = id + 1
	}
}
