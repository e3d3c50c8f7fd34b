package mount

import (
	"fmt"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

type Options struct {
	// EntryTimeout bounds how long the kernel caches lookups. Refreshes
	// become visible once it lapses.
	EntryTimeout time.Duration
	AllowOther   bool
	Debug        bool
}

// Mount serves v at dir until the returned server is unmounted.
func Mount(dir string, v *View, opts Options) (*fuse.Server, error) {
	timeout := opts.EntryTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	negative := time.Duration(0)
	fsOpts := &fs.Options{
		EntryTimeout:    &timeout,
		AttrTimeout:     &timeout,
		NegativeTimeout: &negative,
		MountOptions: fuse.MountOptions{
			FsName:     "teledrive",
			Name:       "teledrive",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
			Options:    []string{"ro"},
		},
	}
	server, err := fs.Mount(dir, v.Root(), fsOpts)
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", dir, err)
	}
	return server, nil
}
