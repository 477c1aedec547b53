package moqbridge

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// CatalogVersion is the catalog format version ParseCatalog understands.
const CatalogVersion = 1

// TrackInfo describes one track listed in a catalog.
type TrackInfo struct {
	Name       string
	Codec      string
	MimeType   string
	Width      uint32
	Height     uint32
	Bitrate    uint64
	SampleRate uint32
	Language   string
}

// CatalogCallback receives the tracks of every catalog update.
type CatalogCallback func(tracks []TrackInfo)

type catalogDoc struct {
	Version int `json:"version"`
	Tracks  []struct {
		Name            string `json:"name"`
		SelectionParams struct {
			Codec      string `json:"codec"`
			MimeType   string `json:"mimeType"`
			Width      uint32 `json:"width"`
			Height     uint32 `json:"height"`
			Bitrate    uint64 `json:"bitrate"`
			SampleRate uint32 `json:"samplerate"`
			Language   string `json:"lang"`
		} `json:"selectionParams"`
	} `json:"tracks"`
}

// ParseCatalog decodes a JSON catalog object. Tracks without a name are
// skipped.
func ParseCatalog(data []byte) ([]TrackInfo, error) {
	var doc catalogDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if doc.Version != 0 && doc.Version != CatalogVersion {
		return nil, fmt.Errorf("catalog: unsupported version %d", doc.Version)
	}

	tracks := make([]TrackInfo, 0, len(doc.Tracks))
	for _, t := range doc.Tracks {
		if t.Name == "" {
			continue
		}
		p := t.SelectionParams
		tracks = append(tracks, TrackInfo{
			Name:       t.Name,
			Codec:      p.Codec,
			MimeType:   p.MimeType,
			Width:      p.Width,
			Height:     p.Height,
			Bitrate:    p.Bitrate,
			SampleRate: p.SampleRate,
			Language:   p.Language,
		})
	}
	return tracks, nil
}

// SubscribeCatalog subscribes to a catalog track and hands every decoded
// catalog to cb. Objects that fail to decode are logged and skipped.
func (c *Client) SubscribeCatalog(namespace, track string, cb CatalogCallback) (*Subscriber, error) {
	const op = "subscribe_catalog"
	return DoValue(op, func() (*Subscriber, error) {
		if c == nil {
			return nil, NullArgument(op, "client")
		}
		if cb == nil {
			return nil, NullArgument(op, "callback")
		}
		handle := func(data []byte) {
			tracks, err := ParseCatalog(data)
			if err != nil {
				if !throttled("catalog:" + namespace + "/" + track) {
					logrus.WithFields(logrus.Fields{
						"function":  "Client.SubscribeCatalog",
						"namespace": namespace,
						"track":     track,
						"error":     err.Error(),
					}).Warn("Skipping undecodable catalog")
				}
				return
			}
			invoke(kindCatalog, func() { cb(tracks) })
		}
		return c.subscribe(op, namespace, track, kindCatalog, handle)
	})
}
