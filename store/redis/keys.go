package redis

// Redis key naming conventions for notify data.
// All keys are prefixed with "notify:" to avoid collisions.

const keyPrefix = "notify:"

// jobKey returns the key for a job entity: notify:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// digestIndexKey returns the Set of mergeable digest job IDs for a
// window key: notify:digest_idx:{env}:{key}
func digestIndexKey(environmentID, key string) string {
	return keyPrefix + "digest_idx:" + environmentID + ":" + key
}

// triggerIndexKey returns the List of job IDs created by a trigger, in
// creation order: notify:trigger_idx:{id}
func triggerIndexKey(triggerID string) string {
	return keyPrefix + "trigger_idx:" + triggerID
}

// detailsKey returns the append-only List of execution details for a
// job: notify:details:{job_id}
func detailsKey(jobID string) string { return keyPrefix + "details:" + jobID }

// subscriberKey returns the key for a subscriber entity: notify:subscriber:{id}
func subscriberKey(id string) string { return keyPrefix + "subscriber:" + id }

// dlqKey returns the key for a DLQ entry entity: notify:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqIDsKey is the Sorted Set of DLQ entry IDs scored by failure time,
// for newest-first listing.
const dlqIDsKey = keyPrefix + "dlq_ids"
