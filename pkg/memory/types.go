package memory

import "strings"

// Kind names one of the two memory collections kept per scope.
type Kind string

const (
	KindInsight    Kind = "insight"
	KindDistortion Kind = "distortion"
)

// Partition returns the partition name for kind within scope. An empty scope
// selects the shared, cross-session collection.
func Partition(scope string, kind Kind) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return string(kind)
	}
	return scope + "/" + string(kind)
}

// Document is one ranked query hit.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]string
	Score    float64
}

// QueryResult holds the ranked hits for one query text.
type QueryResult struct {
	Query     string
	Documents []Document
}
