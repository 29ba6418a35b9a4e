package transfer

import (
	"strconv"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// Source is a parsed magnet link.
type Source struct {
	URI         string
	InfoHash    string
	DisplayName string
	Trackers    []string
	// Length is the exact payload length advertised by the magnet xl parameter, 0 when absent.
	Length int64
}

// ParseSource validates a magnet link and extracts what can be known before the daemon sees it.
func ParseSource(raw string) (*Source, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &InvalidSourceError{Source: raw, Reason: "magnet link is empty"}
	}

	if !strings.HasPrefix(strings.ToLower(raw), "magnet:") {
		return nil, &InvalidSourceError{Source: raw, Reason: "only magnet links are supported"}
	}

	m, err := metainfo.ParseMagnetUri(raw)
	if err != nil {
		return nil, &InvalidSourceError{Source: raw, Reason: err.Error(), Err: err}
	}

	src := &Source{
		URI:         raw,
		InfoHash:    strings.ToLower(m.InfoHash.HexString()),
		DisplayName: m.DisplayName,
		Trackers:    m.Trackers,
	}

	if xl := m.Params.Get("xl"); xl != "" {
		length, err := strconv.ParseInt(xl, 10, 64)
		if err != nil || length < 0 {
			return nil, &InvalidSourceError{Source: raw, Reason: "invalid exact length (xl) parameter", Err: err}
		}

		src.Length = length
	}

	if src.DisplayName == "" {
		src.DisplayName = src.InfoHash
	}

	return src, nil
}
