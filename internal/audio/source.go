// Package audio turns finalized synthesis results into paced Opus frames on
// the voice transport.
package audio

import (
	"bytes"
	"io"

	"github.com/loqalabs/loqa-voice/internal/stream"
)

// SourceKind tells cached playback apart from a live download.
type SourceKind int

const (
	SourceCached SourceKind = iota
	SourceLive
)

func (k SourceKind) String() string {
	if k == SourceLive {
		return "live"
	}
	return "cached"
}

// Source is the sequential byte stream behind one playback item. The only
// implementations are the ones built by FromCache and FromStream.
type Source interface {
	io.Reader
	Kind() SourceKind
	source()
}

type cachedSource struct {
	*bytes.Reader
}

func (cachedSource) Kind() SourceKind { return SourceCached }
func (cachedSource) source()          {}

type liveSource struct {
	*stream.Reader
}

func (liveSource) Kind() SourceKind { return SourceLive }
func (liveSource) source()          {}

// FromCache plays bytes already held in memory.
func FromCache(data []byte) Source {
	return cachedSource{Reader: bytes.NewReader(data)}
}

// FromStream plays a buffer that may still be growing.
func FromStream(view *stream.View) Source {
	return liveSource{Reader: view.NewReader()}
}
