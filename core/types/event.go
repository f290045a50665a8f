package types

// Event is the wire form of a typed engine event: a dotted type tag plus
// flat string attributes, ready for JSON transport or indexing.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
