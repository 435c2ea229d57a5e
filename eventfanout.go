package agentdeck

import (
	"pkt.systems/agentdeck/internal/sessions"
	"pkt.systems/agentdeck/schema"
)

type sinkFanout struct {
	sinks []sessions.Sink
}

func (f sinkFanout) OnSessionNotification(repoID schema.RepoID, n schema.Notification) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnSessionNotification(repoID, n)
	}
}

func (f sinkFanout) OnSessionRequest(repoID schema.RepoID, req schema.AgentRequest) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnSessionRequest(repoID, req)
	}
}

func (f sinkFanout) OnSessionStatus(repoID schema.RepoID, status schema.SessionStatus) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnSessionStatus(repoID, status)
	}
}
