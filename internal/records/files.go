package records

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// NewFile describes an uploaded file. Storing the content is the caller's
// job; the document only records where it went.
type NewFile struct {
	Title    string
	Desc     string
	Filename string
	Uploader string
}

// AddFile records an upload and tells the administrators about it.
// The new file is stored in *added if added is not nil.
func AddFile(req NewFile, now time.Time, added *File) Mutator {
	return func(d *Document) (bool, error) {
		if req.Title == "" {
			return false, missing("title")
		}

		if req.Filename == "" {
			return false, missing("filename")
		}

		f := File{
			ID:       uuid.NewString(),
			Title:    req.Title,
			Desc:     req.Desc,
			Filename: req.Filename,
			Uploader: req.Uploader,
			Date:     millis(now),
		}

		d.Files = append(d.Files, f)
		d.notifyAdmins(now, NotifyFileUpload, req.Uploader+" uploaded a new file: "+req.Title, "")

		if added != nil {
			*added = f
		}

		return true, nil
	}
}

// DeleteFile removes the record of file id. The removed record is stored in
// *removed if removed is not nil, so the caller can delete the content.
func DeleteFile(id string, removed *File) Mutator {
	return func(d *Document) (bool, error) {
		i := slices.IndexFunc(d.Files, func(f File) bool { return f.ID == id })
		if i < 0 {
			return false, ErrFileNotFound
		}

		if removed != nil {
			*removed = d.Files[i]
		}

		d.Files = slices.Delete(d.Files, i, i+1)

		return true, nil
	}
}
