// Package wikifeed defines the Wikipedia feed event consumed by the
// pipeline and its schema-registry-backed value serde.
package wikifeed

// Topic names. The feed topic carries WikiFeed events keyed by an opaque
// upstream key; the stats topic carries per-user counts keyed by user name.
const (
	FeedTopic  = "WikipediaFeed"
	StatsTopic = "WikipediaStats"
)

// WikiFeed is one feed event. Immutable once constructed.
type WikiFeed struct {
	User    string `json:"user"`
	IsNew   bool   `json:"is_new"`
	Content string `json:"content"`
}
