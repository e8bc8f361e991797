package store

import "fmt"

// Keys generates the store's key namespace per spec §6: prefix "<kp>:v1",
// with per-entity hash tags so that multi-key Lua scripts always confine
// their keys to a single cluster slot.
type Keys struct {
	Prefix string // default "lingua"
}

func (k Keys) base() string { return k.Prefix + ":v1" }

func (k Keys) Job(jobID string) string {
	return fmt.Sprintf("%s:job:{job:%s}", k.base(), jobID)
}

func (k Keys) JobFSM(jobID string) string {
	return fmt.Sprintf("%s:jobs:fsm:{job:%s}", k.base(), jobID)
}

func (k Keys) JobKeyIndex(jobKey string) string {
	return fmt.Sprintf("%s:jobkey:{req:%s}", k.base(), jobKey)
}

// ActiveJobs is the sorted-set index of non-terminal job ids (scored by
// creation time) that the Timeout/Failover Manager (C10) scans instead
// of enumerating the whole job keyspace.
func (k Keys) ActiveJobs() string {
	return fmt.Sprintf("%s:jobs:active", k.Prefix)
}

func (k Keys) NodeSnapshot(nodeID string) string {
	return fmt.Sprintf("%s:nodes:snapshot:{node:%s}", k.base(), nodeID)
}

func (k Keys) NodePresence(nodeID string) string {
	return fmt.Sprintf("%s:nodes:presence:{node:%s}", k.base(), nodeID)
}

func (k Keys) NodeReserved(nodeID string) string {
	return fmt.Sprintf("%s:nodes:reserved:{node:%s}", k.base(), nodeID)
}

func (k Keys) SchedulerPresence(instanceID string) string {
	return fmt.Sprintf("%s:schedulers:presence:%s", k.Prefix, instanceID)
}

func (k Keys) NodeOwner(nodeID string) string {
	return fmt.Sprintf("%s:nodes:owner:{node:%s}", k.Prefix, nodeID)
}

func (k Keys) SessionOwner(sessionID string) string {
	return fmt.Sprintf("%s:sessions:owner:{session:%s}", k.Prefix, sessionID)
}

func (k Keys) InstanceInbox(instanceID string) string {
	return fmt.Sprintf("%s:streams:{instance:%s}:inbox", k.Prefix, instanceID)
}

func (k Keys) InstanceDLQ(instanceID string) string {
	return fmt.Sprintf("%s:streams:{instance:%s}:dlq", k.Prefix, instanceID)
}

func (k Keys) Lock(reqID string) string {
	return fmt.Sprintf("%s:locks:{req:%s}", k.base(), reqID)
}

func (k Keys) Bind(reqID string) string {
	return fmt.Sprintf("%s:bind:{req:%s}", k.base(), reqID)
}

func (k Keys) DebounceModelUnavailable(service, version string) string {
	return fmt.Sprintf("%s:debounce:model_unavailable:%s@%s", k.base(), service, version)
}

func (k Keys) RateLimitNodeModelNA(nodeID string) string {
	return fmt.Sprintf("%s:ratelimit:node:%s:model_na", k.base(), nodeID)
}

func (k Keys) ModelUnavailable(nodeID, serviceID string) string {
	return fmt.Sprintf("%s:model_unavailable:{node:%s}:%s", k.base(), nodeID, serviceID)
}

func (k Keys) PoolMembers(poolID int) string {
	return fmt.Sprintf("%s:pool:%d:members", k.Prefix, poolID)
}

func (k Keys) PoolConfig() string {
	return fmt.Sprintf("%s:pool:config", k.Prefix)
}

func (k Keys) PoolConfigLock() string {
	return k.Lock("pool-config")
}

func (k Keys) LangPair(src, tgt string) string {
	return fmt.Sprintf("%s:lang:%s:%s", k.Prefix, src, tgt)
}

func (k Keys) RoomCodes() string {
	return fmt.Sprintf("%s:rooms:codes", k.Prefix)
}

func (k Keys) Room(code string) string {
	return fmt.Sprintf("%s:rooms:{room:%s}", k.base(), code)
}
