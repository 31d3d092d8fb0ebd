package wikifeed

import (
	"context"
	"fmt"

	"github.com/glebmezh/wikistats/kserde"
	"github.com/twmb/franz-go/pkg/sr"
)

// Subject is the registry subject for the feed value schema, following the
// TopicNameStrategy used by the registry collaborator.
const Subject = FeedTopic + "-value"

// Schema is the JSON schema registered for WikiFeed values.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "WikiFeed",
  "type": "object",
  "properties": {
    "user": {"type": "string"},
    "is_new": {"type": "boolean"},
    "content": {"type": "string"}
  },
  "required": ["user", "is_new"]
}`

// NewSerde registers the WikiFeed schema under Subject and returns a serde
// that frames JSON-encoded values with the registry wire format (magic byte
// plus schema ID). Registration is idempotent; re-registering an identical
// schema returns the existing ID.
func NewSerde(ctx context.Context, client *sr.Client) (*sr.Serde, error) {
	ss, err := client.CreateSchema(ctx, Subject, sr.Schema{
		Schema: Schema,
		Type:   sr.TypeJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("register schema for subject %s: %w", Subject, err)
	}

	serde := NewSerdeWithID(ss.ID)
	return serde, nil
}

// NewSerdeWithID builds the WikiFeed serde for an already-known schema ID.
// Split out so tests can construct a serde without a registry.
func NewSerdeWithID(id int) *sr.Serde {
	codec := kserde.JSON[WikiFeed]()

	var serde sr.Serde
	serde.Register(
		id,
		WikiFeed{},
		sr.EncodeFn(func(v any) ([]byte, error) {
			return codec.Serializer(v.(WikiFeed))
		}),
		sr.DecodeFn(func(b []byte, v any) error {
			feed, err := codec.Deserializer(b)
			if err != nil {
				return err
			}
			*(v.(*WikiFeed)) = feed
			return nil
		}),
	)
	return &serde
}
