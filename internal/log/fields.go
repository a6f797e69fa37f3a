package log

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Actor
	FieldUserID = "user_id"

	// Connection and delivery
	FieldConnID     = "conn_id"
	FieldRemoteAddr = "remote_addr"
	FieldReceiverID = "receiver_id"
	FieldMessageID  = "message_id"
	FieldEvent      = "event"
	FieldOnline     = "online"

	// Service
	FieldService = "service"
)
