package bridge

import (
	"encoding/base64"

	"github.com/jingkaihe/skillbox/pkg/async"
	"github.com/jingkaihe/skillbox/pkg/sandbox"
	"github.com/jingkaihe/skillbox/pkg/vfs"
)

// fsError exposes the POSIX code of a filesystem failure to scripts.
type fsError struct {
	err error
}

func (e *fsError) Error() string { return e.err.Error() }
func (e *fsError) Unwrap() error { return e.err }
func (e *fsError) Code() string  { return vfs.Code(e.err) }

func wrapFSErr(err error) error {
	if err == nil {
		return nil
	}
	return &fsError{err: err}
}

// decodeRead renders file content per the requested encoding. Text is the
// default; "buffer" (or a null encoding) yields raw bytes.
func decodeRead(data []byte, opts map[string]any) any {
	enc, set := opts["encoding"]
	if set && enc == nil {
		return data
	}
	switch stringOpt(opts, "encoding") {
	case "buffer", "binary":
		return data
	case "base64":
		return base64.StdEncoding.EncodeToString(data)
	default:
		return string(data)
	}
}

func unit[T any](f *async.Future[T]) *async.Future[any] {
	return async.Map(f, func(_ T, err error) (any, error) {
		return nil, wrapFSErr(err)
	})
}

func (b *Bridge) fsGlobals() map[string]any {
	afs := b.fs.Async()

	readFile := sandbox.Func(func(args []any) (any, error) {
		p, err := stringArg(args, 0, "path")
		if err != nil {
			return nil, err
		}
		opts := optionsArg(args, 1, "encoding")
		return async.Map(afs.ReadFile(p), func(data []byte, err error) (any, error) {
			if err != nil {
				return nil, wrapFSErr(err)
			}
			return decodeRead(data, opts), nil
		}), nil
	})
	writeFile := sandbox.Func(func(args []any) (any, error) {
		p, data, err := writeArgs(args)
		if err != nil {
			return nil, err
		}
		return async.Map(async.Go(func() (struct{}, error) {
			return struct{}{}, b.fs.WriteFileAll(p, data)
		}), func(_ struct{}, err error) (any, error) {
			return nil, wrapFSErr(err)
		}), nil
	})
	readdir := sandbox.Func(func(args []any) (any, error) {
		p, err := stringArg(args, 0, "path")
		if err != nil {
			return nil, err
		}
		return async.Map(afs.Readdir(p), func(names []string, err error) (any, error) {
			if err != nil {
				return nil, wrapFSErr(err)
			}
			return names, nil
		}), nil
	})

	return map[string]any{
		"readFile":  readFile,
		"read":      readFile,
		"writeFile": writeFile,
		"write":     writeFile,
		"readdir":   readdir,
		"list":      readdir,
		"exists": sandbox.Func(func(args []any) (any, error) {
			p, err := stringArg(args, 0, "path")
			if err != nil {
				return nil, err
			}
			return async.Map(afs.Exists(p), func(ok bool, err error) (any, error) {
				return ok, wrapFSErr(err)
			}), nil
		}),
		"mkdir": sandbox.Func(func(args []any) (any, error) {
			p, err := stringArg(args, 0, "path")
			if err != nil {
				return nil, err
			}
			return unit(afs.Mkdir(p, boolOpt(optionsArg(args, 1, ""), "recursive"))), nil
		}),
		"rm": sandbox.Func(func(args []any) (any, error) {
			p, err := stringArg(args, 0, "path")
			if err != nil {
				return nil, err
			}
			return unit(afs.Rm(p, boolOpt(optionsArg(args, 1, ""), "recursive"))), nil
		}),
		"stat": sandbox.Func(func(args []any) (any, error) {
			p, err := stringArg(args, 0, "path")
			if err != nil {
				return nil, err
			}
			return async.Map(afs.Stat(p), func(info *vfs.FileInfo, err error) (any, error) {
				if err != nil {
					return nil, wrapFSErr(err)
				}
				return statValue(info), nil
			}), nil
		}),
		"rename": sandbox.Func(func(args []any) (any, error) {
			src, dst, err := twoPaths(args)
			if err != nil {
				return nil, err
			}
			return unit(afs.Rename(src, dst)), nil
		}),
		"copyFile": sandbox.Func(func(args []any) (any, error) {
			src, dst, err := twoPaths(args)
			if err != nil {
				return nil, err
			}
			return unit(afs.Copy(src, dst)), nil
		}),

		"readFileSync": sandbox.Func(func(args []any) (any, error) {
			p, err := stringArg(args, 0, "path")
			if err != nil {
				return nil, err
			}
			data, err := b.fs.ReadFile(p)
			if err != nil {
				return nil, wrapFSErr(err)
			}
			return decodeRead(data, optionsArg(args, 1, "encoding")), nil
		}),
		"writeFileSync": sandbox.Func(func(args []any) (any, error) {
			p, data, err := writeArgs(args)
			if err != nil {
				return nil, err
			}
			return nil, wrapFSErr(b.fs.WriteFileAll(p, data))
		}),
		"readdirSync": sandbox.Func(func(args []any) (any, error) {
			p, err := stringArg(args, 0, "path")
			if err != nil {
				return nil, err
			}
			names, err := b.fs.Readdir(p)
			if err != nil {
				return nil, wrapFSErr(err)
			}
			return names, nil
		}),
		"existsSync": sandbox.Func(func(args []any) (any, error) {
			p, err := stringArg(args, 0, "path")
			if err != nil {
				return nil, err
			}
			return b.fs.Exists(p), nil
		}),
		"mkdirSync": sandbox.Func(func(args []any) (any, error) {
			p, err := stringArg(args, 0, "path")
			if err != nil {
				return nil, err
			}
			return nil, wrapFSErr(b.fs.Mkdir(p, boolOpt(optionsArg(args, 1, ""), "recursive")))
		}),
		"rmSync": sandbox.Func(func(args []any) (any, error) {
			p, err := stringArg(args, 0, "path")
			if err != nil {
				return nil, err
			}
			return nil, wrapFSErr(b.fs.Rm(p, boolOpt(optionsArg(args, 1, ""), "recursive")))
		}),
		"statSync": sandbox.Func(func(args []any) (any, error) {
			p, err := stringArg(args, 0, "path")
			if err != nil {
				return nil, err
			}
			info, err := b.fs.Stat(p)
			if err != nil {
				return nil, wrapFSErr(err)
			}
			return statValue(info), nil
		}),
		"renameSync": sandbox.Func(func(args []any) (any, error) {
			src, dst, err := twoPaths(args)
			if err != nil {
				return nil, err
			}
			return nil, wrapFSErr(b.fs.Rename(src, dst))
		}),
		"copyFileSync": sandbox.Func(func(args []any) (any, error) {
			src, dst, err := twoPaths(args)
			if err != nil {
				return nil, err
			}
			return nil, wrapFSErr(b.fs.Copy(src, dst))
		}),
	}
}

func writeArgs(args []any) (string, []byte, error) {
	p, err := stringArg(args, 0, "path")
	if err != nil {
		return "", nil, err
	}
	data, err := toBytes(argAt(args, 1), stringOpt(optionsArg(args, 2, "encoding"), "encoding"))
	if err != nil {
		return "", nil, err
	}
	return p, data, nil
}

func twoPaths(args []any) (string, string, error) {
	src, err := stringArg(args, 0, "source path")
	if err != nil {
		return "", "", err
	}
	dst, err := stringArg(args, 1, "destination path")
	if err != nil {
		return "", "", err
	}
	return src, dst, nil
}

func statValue(info *vfs.FileInfo) map[string]any {
	return map[string]any{
		"name":        info.Name,
		"path":        info.Path,
		"size":        info.Size,
		"isDirectory": info.IsDir,
		"isFile":      !info.IsDir,
		"mtime":       info.ModTime,
		"birthtime":   info.CreatedAt,
	}
}
