package schema

import "encoding/json"

// Envelope frames every WebSocket message in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Inbound envelope types (browser to hub).
const (
	TypeSubscribe         = "subscribe"
	TypeUnsubscribe       = "unsubscribe"
	TypeAppServerResponse = "app_server_response"
)

// Outbound envelope types (hub to browser).
const (
	TypeSubscribeAck          = "subscribe_ack"
	TypeUnsubscribeAck        = "unsubscribe_ack"
	TypeSubscribeError        = "subscribe_error"
	TypeSessionStatus         = "session_status"
	TypeThreadListUpdated     = "thread_list_updated"
	TypeAppServerNotification = "app_server_notification"
	TypeAppServerRequest      = "app_server_request"
)

// Subscribe error codes.
const (
	SubscribeErrMissingRepoID = "missing_repo_id"
	SubscribeErrUnknownRepo   = "unknown_repo"
)

// SubscribePayload is the body of subscribe and unsubscribe envelopes.
type SubscribePayload struct {
	RepoID RepoID `json:"repoId"`
}

// SubscribeErrorPayload reports a rejected subscribe.
type SubscribeErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionStatusPayload reports the session lifecycle state for a repository.
type SessionStatusPayload struct {
	RepoID RepoID        `json:"repoId"`
	Status SessionStatus `json:"status"`
}

// ThreadListUpdatedPayload carries a refreshed thread list for a repository.
type ThreadListUpdatedPayload struct {
	RepoID  RepoID          `json:"repoId"`
	Threads []ThreadSummary `json:"threads"`
}

// NotificationPayload relays a raw agent notification to subscribers.
type NotificationPayload struct {
	RepoID  RepoID       `json:"repoId"`
	Message Notification `json:"message"`
}

// RequestPayload relays an agent decision request to subscribers.
type RequestPayload struct {
	RepoID  RepoID       `json:"repoId"`
	Message AgentRequest `json:"message"`
}

// ResponsePayload carries a browser decision back toward the agent.
type ResponsePayload struct {
	RepoID  RepoID         `json:"repoId"`
	Message ClientResponse `json:"message"`
}

// NewEnvelope marshals the payload into a typed envelope.
func NewEnvelope(kind string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: kind, Payload: raw}, nil
}
