package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

// uploadForm is a parsed multipart upload: the "file" part plus the plain
// fields that travel with it.
type uploadForm struct {
	filename string
	data     []byte
	fields   map[string][]string
}

func (f *uploadForm) value(key string) string {
	if v := f.fields[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

// tags accepts repeated "tags" fields as well as comma separated lists.
func (f *uploadForm) tags() []string {
	var out []string
	for _, v := range f.fields["tags"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

const maxFieldBytes = 4 << 10

// readUploadForm streams the multipart body. Fields may come before or after
// the file; the file is held in memory since parsing needs all of it.
func readUploadForm(w http.ResponseWriter, r *http.Request, maxFile int64) (*uploadForm, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFile+64<<10)
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, badRequest(errors.New("expecting multipart form"))
	}
	form := &uploadForm{fields: make(map[string][]string)}
	seenFile := false
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read multipart: %w", err)
		}
		if part.FormName() == "file" && !seenFile {
			seenFile = true
			form.filename = part.FileName()
			form.data, err = readFilePart(part, maxFile)
			part.Close()
			if err != nil {
				return nil, err
			}
			continue
		}
		if part.FileName() == "" {
			v, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			if err != nil {
				part.Close()
				return nil, fmt.Errorf("read field %s: %w", part.FormName(), err)
			}
			form.fields[part.FormName()] = append(form.fields[part.FormName()], string(v))
		}
		part.Close()
	}
	if !seenFile {
		return nil, errNoFile
	}
	return form, nil
}

func readFilePart(part *multipart.Part, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(part, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, errTooLarge
	}
	if len(data) == 0 {
		return nil, errEmptyFile
	}
	return data, nil
}
