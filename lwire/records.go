package lwire

// ExceptionDoc is the structured record written in place of a reply
// when a handler fails partway through producing one.
// The peer sees it as a normal data document.
type ExceptionDoc struct {
	Exception string `json:"exception" cbor:"exception"`
}

// AckDoc is the empty acknowledgment written when a dispatched request
// produced no reply payload, so that every request still yields
// exactly one non-empty document in response.
type AckDoc struct {
	Reply struct{} `json:"reply" cbor:"reply"`
}
