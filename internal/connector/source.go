package connector

import (
	"io"
)

// Source is something that can be uploaded: a file on disk or in-memory
// content. It is one of PathSource, ByteSource or ReaderSource.
type Source interface {
	source()
}

// PathSource is an existing local file or directory, uploaded as is.
type PathSource struct {
	Path string
}

// ByteSource is in-memory content. It is written to a scratch directory under
// Name before upload; an empty Name gets a generated one.
type ByteSource struct {
	Name string
	Data []byte
}

// ReaderSource is streamed content, handled like ByteSource.
type ReaderSource struct {
	Name   string
	Reader io.Reader
}

func (PathSource) source()   {}
func (ByteSource) source()   {}
func (ReaderSource) source() {}

// Paths wraps local file names as sources.
func Paths(paths ...string) []Source {
	sources := make([]Source, len(paths))
	for i, p := range paths {
		sources[i] = PathSource{Path: p}
	}
	return sources
}
