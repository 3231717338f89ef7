package pipeline

// Exchange is the unit of data moving between stages.
type Exchange struct {
	Body    []byte
	Headers map[string]string
}

// NewExchange creates an exchange owning body and a copy of headers.
func NewExchange(body []byte, headers map[string]string) *Exchange {
	ex := &Exchange{Body: body, Headers: make(map[string]string, len(headers))}
	for k, v := range headers {
		ex.Headers[k] = v
	}
	return ex
}

// Copy returns a deep copy; mutations of either side are invisible to the other.
func (e *Exchange) Copy() *Exchange {
	var body []byte
	if e.Body != nil {
		body = append(make([]byte, 0, len(e.Body)), e.Body...)
	}
	return NewExchange(body, e.Headers)
}

// withBody returns an exchange carrying body and a copy of e's headers.
func (e *Exchange) withBody(body []byte) *Exchange {
	return NewExchange(body, e.Headers)
}
