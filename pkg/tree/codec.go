package tree

import (
	"encoding/json"
	"fmt"

	"github.com/nainya/contentstore/pkg/blob"
	"github.com/nainya/contentstore/pkg/storage"
	"github.com/nainya/contentstore/pkg/value"
)

type wireProperty struct {
	Type     value.Type    `json:"type"`
	Multiple bool          `json:"multiple,omitempty"`
	Values   []value.Value `json:"values"`
	// Blobs holds, per value, the digest of an externalised binary
	Blobs []string `json:"blobs,omitempty"`
}

type wireRecord struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Parent      string                  `json:"parent,omitempty"`
	PrimaryType string                  `json:"primaryType"`
	Mixins      []string                `json:"mixins,omitempty"`
	Children    []ChildEntry            `json:"children,omitempty"`
	Props       map[string]wireProperty `json:"props"`
}

// encodeRecord serialises r. Binary values above blob.InlineLimit are
// replaced by their digest and put into the blobs bucket of batch unless
// known already holds them.
func encodeRecord(r *record, batch *storage.Batch, known func(digest string) bool) ([]byte, error) {
	w := wireRecord{
		ID:          r.id,
		Name:        r.name,
		Parent:      r.parent,
		PrimaryType: r.primaryType,
		Mixins:      r.mixins,
		Children:    r.children,
		Props:       make(map[string]wireProperty, len(r.props)),
	}
	for name, p := range r.props {
		wp := wireProperty{Type: p.Type, Multiple: p.Multiple, Values: p.Values}
		if p.Type == value.Binary {
			wp.Values = make([]value.Value, len(p.Values))
			for i, v := range p.Values {
				data := v.Bytes()
				if len(data) <= blob.InlineLimit {
					wp.Values[i] = v
					continue
				}
				if wp.Blobs == nil {
					wp.Blobs = make([]string, len(p.Values))
				}
				digest := blob.Digest(data)
				wp.Blobs[i] = digest
				wp.Values[i] = value.NewBinary(nil)
				if !known(digest) {
					packed, err := blob.Compress(data)
					if err != nil {
						return nil, err
					}
					batch.Put(storage.BucketBlobs, digest, packed)
				}
			}
		}
		w.Props[name] = wp
	}
	return json.Marshal(w)
}

// decodeRecord reverses encodeRecord, reading externalised binaries from
// blobs
func decodeRecord(data []byte, blobs map[string][]byte) (*record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	r := &record{
		id:          w.ID,
		name:        w.Name,
		parent:      w.Parent,
		primaryType: w.PrimaryType,
		mixins:      w.Mixins,
		children:    w.Children,
		props:       make(map[string]*Property, len(w.Props)),
	}
	for name, wp := range w.Props {
		p := &Property{Name: name, Type: wp.Type, Multiple: wp.Multiple, Values: wp.Values}
		for i, digest := range wp.Blobs {
			if digest == "" {
				continue
			}
			packed, ok := blobs[digest]
			if !ok {
				return nil, fmt.Errorf("node %s property %s: missing blob %s", w.ID, name, digest)
			}
			raw, err := blob.Decompress(packed, digest)
			if err != nil {
				return nil, err
			}
			p.Values[i] = value.NewBinary(raw)
		}
		r.props[name] = p
	}
	return r, nil
}
