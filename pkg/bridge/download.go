package bridge

import (
	"context"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jingkaihe/skillbox/pkg/logger"
)

// Download is a file a script asked the host to save.
type Download struct {
	ID       string
	SkillID  string
	Filename string
	MimeType string
	SaveAs   bool
	Data     []byte
}

// Downloader performs the host-level save.
type Downloader interface {
	Save(ctx context.Context, d *Download) error
}

// DirDownloader saves downloads under a directory as <id>-<filename>.
type DirDownloader struct {
	Dir string
}

// NewDirDownloader returns a downloader writing into dir.
func NewDirDownloader(dir string) *DirDownloader {
	return &DirDownloader{Dir: dir}
}

// Save writes d to disk.
func (d *DirDownloader) Save(ctx context.Context, dl *Download) error {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create downloads directory")
	}
	target := filepath.Join(d.Dir, dl.ID+"-"+filepath.Base(dl.Filename))
	if err := os.WriteFile(target, dl.Data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write download %s", target)
	}
	logger.G(ctx).WithFields(logrus.Fields{
		"skill_id":  dl.SkillID,
		"file":      target,
		"mime_type": dl.MimeType,
		"bytes":     len(dl.Data),
	}).Info("saved download")
	return nil
}

// MimeTypeFor infers a MIME type from the filename extension.
func MimeTypeFor(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	switch ext {
	case ".md", ".markdown":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	case ".yaml", ".yml":
		return "application/yaml"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func downloadFailure(err error) map[string]any {
	return map[string]any{"success": false, "error": err.Error()}
}

// downloadFile never throws: every failure is reported in the result.
func (b *Bridge) downloadFile(args []any) (any, error) {
	opts := optionsArg(args, 1, "filename")
	filename := strings.TrimSpace(stringOpt(opts, "filename"))
	if filename == "" {
		return downloadFailure(errors.New("filename is required")), nil
	}
	if b.downloader == nil {
		return downloadFailure(errors.New("downloads are not available")), nil
	}

	encoding := strings.ToLower(stringOpt(opts, "encoding"))
	if encoding == "" || encoding == "utf-8" {
		encoding = "utf8"
	}
	if encoding != "utf8" && encoding != "base64" {
		return downloadFailure(errors.Errorf("unsupported encoding %q", encoding)), nil
	}
	data, err := toBytes(argAt(args, 0), encoding)
	if err != nil {
		return downloadFailure(err), nil
	}

	mimeType := stringOpt(opts, "mimeType")
	if mimeType == "" {
		mimeType = MimeTypeFor(filename)
	}
	dl := &Download{
		ID:       uuid.NewString(),
		SkillID:  b.skillID,
		Filename: filename,
		MimeType: mimeType,
		SaveAs:   boolOpt(opts, "saveAs"),
		Data:     data,
	}
	if err := b.downloader.Save(b.ctx, dl); err != nil {
		logger.G(b.ctx).WithError(err).WithField("skill_id", b.skillID).Warn("download failed")
		return downloadFailure(err), nil
	}
	return map[string]any{"success": true, "downloadId": dl.ID}, nil
}
