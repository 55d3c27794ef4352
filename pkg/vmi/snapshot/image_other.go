//go:build !unix

package snapshot

import "os"

// image reads a memory image through the file system on platforms
// without mmap.
type image struct {
	*os.File
	size int64
}

func openImage(name string) (*image, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &image{File: f, size: fi.Size()}, nil
}

func (img *image) Size() int64 {
	return img.size
}
