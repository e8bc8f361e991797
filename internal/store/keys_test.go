package store

import "testing"

func TestKeys_HashTags(t *testing.T) {
	k := Keys{Prefix: "lingua"}

	tests := []struct {
		name string
		key  string
		tag  string
	}{
		{"Job", k.Job("job-1"), "{job:job-1}"},
		{"JobFSM", k.JobFSM("job-1"), "{job:job-1}"},
		{"JobKeyIndex", k.JobKeyIndex("req-1"), "{req:req-1}"},
		{"NodeSnapshot", k.NodeSnapshot("node-1"), "{node:node-1}"},
		{"NodePresence", k.NodePresence("node-1"), "{node:node-1}"},
		{"NodeReserved", k.NodeReserved("node-1"), "{node:node-1}"},
		{"NodeOwner", k.NodeOwner("node-1"), "{node:node-1}"},
		{"SessionOwner", k.SessionOwner("sess-1"), "{session:sess-1}"},
		{"InstanceInbox", k.InstanceInbox("inst-1"), "{instance:inst-1}"},
		{"InstanceDLQ", k.InstanceDLQ("inst-1"), "{instance:inst-1}"},
		{"Lock", k.Lock("req-1"), "{req:req-1}"},
		{"Bind", k.Bind("req-1"), "{req:req-1}"},
		{"ModelUnavailable", k.ModelUnavailable("node-1", "svc-1"), "{node:node-1}"},
		{"Room", k.Room("123456"), "{room:123456}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !contains1(tt.key, tt.tag) {
				t.Errorf("%s = %q, want it to contain hash tag %q", tt.name, tt.key, tt.tag)
			}
		})
	}
}

// TestKeys_JobAndFSMShareSlot pins that a job's hash and its FSM shadow
// hash always land in the same cluster slot, since scripts touch both.
func TestKeys_JobAndFSMShareSlot(t *testing.T) {
	k := Keys{Prefix: "lingua"}
	if tagOf(k.Job("abc")) != tagOf(k.JobFSM("abc")) {
		t.Errorf("job and job-fsm keys must share a hash tag: %s vs %s", k.Job("abc"), k.JobFSM("abc"))
	}
}

func contains1(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func tagOf(key string) string {
	start := indexOf(key, "{")
	end := indexOf(key, "}")
	if start < 0 || end < 0 {
		return ""
	}
	return key[start : end+1]
}
