package wire

// ErrorCode is a numeric protocol error code carried by error responses.
// The reserved values follow the JSON-RPC 2.0 range the remote endpoint
// uses; server-defined codes pass through untouched.
type ErrorCode int

const (
	// ErrorCodeParseError indicates the peer received an unparseable frame.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates a structurally invalid envelope.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method has no handler.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates the method rejected its params.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates a fault inside the remote endpoint.
	ErrorCodeInternalError ErrorCode = -32603
)
