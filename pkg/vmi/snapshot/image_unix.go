//go:build unix

package snapshot

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var errImageClosed = errors.New("snapshot image closed")

// image is a memory image mapped read-only in our address space.
type image struct {
	name string
	data []byte
}

func openImage(name string) (*image, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return &image{name: name, data: []byte{}}, nil
	}
	if size != int64(int(size)) {
		return nil, fmt.Errorf("image %q is too large", name)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %v", name, err)
	}
	return &image{name: name, data: data}, nil
}

func (img *image) Size() int64 {
	return int64(len(img.data))
}

// ReadAt implements io.ReaderAt.
func (img *image) ReadAt(p []byte, off int64) (int, error) {
	if img.data == nil {
		return 0, errImageClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset: %v", off)
	}
	if off >= img.Size() {
		return 0, io.EOF
	}
	n := copy(p, img.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (img *image) Close() error {
	if img.data == nil {
		return nil
	}
	data := img.data
	img.data = nil
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}
