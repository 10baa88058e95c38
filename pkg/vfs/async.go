package vfs

import "github.com/jingkaihe/skillbox/pkg/async"

// AsyncFS exposes the filesystem operations in asynchronous form. Each call
// runs on its own goroutine and returns a future.
type AsyncFS struct {
	fs *FS
}

// Async returns the asynchronous view of f.
func (f *FS) Async() *AsyncFS {
	return &AsyncFS{fs: f}
}

// ReadFile reads the file at p.
func (a *AsyncFS) ReadFile(p string) *async.Future[[]byte] {
	return async.Go(func() ([]byte, error) { return a.fs.ReadFile(p) })
}

// WriteFile writes data to the file at p.
func (a *AsyncFS) WriteFile(p string, data []byte) *async.Future[struct{}] {
	return async.Go(func() (struct{}, error) { return struct{}{}, a.fs.WriteFile(p, data) })
}

// Readdir lists the direct children of p.
func (a *AsyncFS) Readdir(p string) *async.Future[[]string] {
	return async.Go(func() ([]string, error) { return a.fs.Readdir(p) })
}

// Exists reports whether p exists.
func (a *AsyncFS) Exists(p string) *async.Future[bool] {
	return async.Go(func() (bool, error) { return a.fs.Exists(p), nil })
}

// Mkdir creates the directory p.
func (a *AsyncFS) Mkdir(p string, recursive bool) *async.Future[struct{}] {
	return async.Go(func() (struct{}, error) { return struct{}{}, a.fs.Mkdir(p, recursive) })
}

// Rm removes the entry at p.
func (a *AsyncFS) Rm(p string, recursive bool) *async.Future[struct{}] {
	return async.Go(func() (struct{}, error) { return struct{}{}, a.fs.Rm(p, recursive) })
}

// Stat returns the metadata of p.
func (a *AsyncFS) Stat(p string) *async.Future[*FileInfo] {
	return async.Go(func() (*FileInfo, error) { return a.fs.Stat(p) })
}

// Rename moves src to dst.
func (a *AsyncFS) Rename(src, dst string) *async.Future[struct{}] {
	return async.Go(func() (struct{}, error) { return struct{}{}, a.fs.Rename(src, dst) })
}

// Copy copies src to dst.
func (a *AsyncFS) Copy(src, dst string) *async.Future[struct{}] {
	return async.Go(func() (struct{}, error) { return struct{}{}, a.fs.Copy(src, dst) })
}
