// Package capture holds the data model for observed upload exchanges: the
// Exchange record, the caller-owned Buffer they are appended to, and the
// Matcher that decides which requests are of interest.
package capture

import "encoding/json"

// Source names the interception path that recorded an exchange.
type Source string

const (
	// SourcePage marks entries read back from the in-page hook, which
	// records only {url, body}.
	SourcePage      Source = "page"
	SourceCDP       Source = "cdp"
	SourceTransport Source = "transport"
)

// Exchange is one completed request to a matching URL. Never mutated after
// creation.
type Exchange struct {
	URL    string `json:"url"`
	Body   string `json:"body"`
	Source Source `json:"source,omitempty"`
}

// IsJSON reports whether the body is a syntactically valid JSON document.
func (e Exchange) IsJSON() bool {
	return json.Valid([]byte(e.Body))
}

// FirstJSON returns the first exchange whose body is valid JSON.
func FirstJSON(exchanges []Exchange) (Exchange, bool) {
	for _, ex := range exchanges {
		if ex.IsJSON() {
			return ex, true
		}
	}
	return Exchange{}, false
}

// Sink receives captured exchanges. Implementations must be safe for
// concurrent use; appends may arrive from several goroutines.
type Sink interface {
	Append(ex Exchange)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ex Exchange)

func (f SinkFunc) Append(ex Exchange) { f(ex) }

type teeSink []Sink

func (t teeSink) Append(ex Exchange) {
	for _, s := range t {
		s.Append(ex)
	}
}

// Tee returns a Sink that appends to every non-nil sink in order.
func Tee(sinks ...Sink) Sink {
	out := make(teeSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
