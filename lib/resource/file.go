// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// FileProtocol serves files below a root directory.
type FileProtocol struct {
	root string
}

// NewFileProtocol returns a protocol rooted at root, which must be an
// existing directory.
func NewFileProtocol(root string) (*FileProtocol, error) {
	if root == "" {
		return nil, errors.New("resource: file protocol needs a root directory")
	}
	absolute, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resource: resolving %s: %w", root, err)
	}
	info, err := os.Stat(absolute)
	if err != nil {
		return nil, fmt.Errorf("resource: file protocol root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("resource: file protocol root %s is not a directory", absolute)
	}
	return &FileProtocol{root: absolute}, nil
}

// Root returns the absolute root directory.
func (p *FileProtocol) Root() string { return p.root }

// resolve maps a key path to a file below root. Leading slashes and
// ".." elements cannot escape the root.
func (p *FileProtocol) resolve(path string) string {
	return filepath.Join(p.root, filepath.Clean("/"+path))
}

// Load reads the file at path, or returns current unchanged when the
// file's modification time and size still match.
func (p *FileProtocol) Load(path string, current *Resource) (*Resource, bool, error) {
	filename := p.resolve(path)
	info, err := os.Stat(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, false, err
	}
	if info.IsDir() {
		return nil, false, fmt.Errorf("%w: %s is a directory", ErrNotFound, path)
	}
	if current != nil && current.ModTime.Equal(info.ModTime()) && int64(len(current.Data)) == info.Size() {
		return current, false, nil
	}

	data, err := os.ReadFile(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, false, err
	}
	return &Resource{
		Data:        data,
		ContentType: contentType(filename),
		ETag:        entityTag(data),
		ModTime:     info.ModTime(),
	}, true, nil
}

func contentType(filename string) string {
	extension := strings.ToLower(filepath.Ext(filename))
	switch extension {
	case ".qgs":
		return "application/x-qgis-project"
	case ".qgz":
		return "application/x-qgis-project+zip"
	}
	if byExtension := mime.TypeByExtension(extension); byExtension != "" {
		return byExtension
	}
	return "application/octet-stream"
}
