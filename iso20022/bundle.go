package iso20022

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
)

// BundleFile is one named document inside a camt download bundle.
type BundleFile struct {
	Name string
	Data []byte
}

// ZipBundle packs camt documents into the ZIP archive C52 and C53 deliver.
// Multiple statements travel as one archive entry each.
func ZipBundle(files []BundleFile) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, file := range files {
		entry, err := w.Create(file.Name)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("create archive entry %s: %w", file.Name, err)
		}
		if _, err := entry.Write(file.Data); err != nil {
			w.Close()
			return nil, fmt.Errorf("write archive entry %s: %w", file.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

// UnzipBundle reads a camt bundle back, preserving archive order.
func UnzipBundle(data []byte) ([]BundleFile, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	var files []BundleFile
	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open archive entry %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read archive entry %s: %w", f.Name, err)
		}
		files = append(files, BundleFile{Name: f.Name, Data: content})
	}
	return files, nil
}
