// Copyright 2025 The Coral Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bundle packages the application code shipped to remote
// compute. Images carry dependencies; bundles carry the app binary,
// so code changes never trigger an image rebuild.
package bundle

import (
	"archive/tar"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/blake2b"
)

// EntryName is the path of the executable inside every bundle. A
// single-file bundle is stored under this name; directory bundles
// must contain it.
const EntryName = "app"

// Create writes a deterministic tar.gz of path (a binary or a
// directory) to w and returns the blake2b-256 of the compressed
// stream. Timestamps and ownership are zeroed so the same tree always
// hashes the same.
func Create(path string, w io.Writer) (string, error) {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	zw := gzip.NewWriter(io.MultiWriter(w, hasher))
	tw := tar.NewWriter(zw)

	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		err = writeTree(tw, path)
	} else {
		err = writeFile(tw, path, EntryName, 0o755)
	}
	if err != nil {
		return "", err
	}
	if err := tw.Close(); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func writeTree(tw *tar.Writer, root string) error {
	var paths []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(paths)
	sawEntry := false
	for _, p := range paths {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == EntryName {
			sawEntry = true
		}
		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		if err := writeFile(tw, p, rel, info.Mode().Perm()); err != nil {
			return err
		}
	}
	if !sawEntry {
		return fmt.Errorf("bundle: %s missing executable %q", root, EntryName)
	}
	return nil
}

func writeFile(tw *tar.Writer, path, name string, mode os.FileMode) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	info, err := fh.Stat()
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name: name,
		Mode: int64(mode),
		Size: info.Size(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, fh)
	return err
}

// Extract unpacks a bundle into dir, refusing entries that would
// escape it.
func Extract(r io.Reader, dir string) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("bundle: %w", err)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("bundle: %w", err)
		}
		name := filepath.FromSlash(hdr.Name)
		if filepath.IsAbs(name) || strings.Contains(name, "..") {
			return fmt.Errorf("bundle: refusing entry %q", hdr.Name)
		}
		dest := filepath.Join(dir, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			fh, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(fh, tr); err != nil {
				fh.Close()
				return err
			}
			if err := fh.Close(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("bundle: unsupported entry type %q in %q", hdr.Typeflag, hdr.Name)
		}
	}
}

// Key is the store key a bundle with the given hash lives under.
func Key(hash string) string {
	return "bundles/" + hash + ".tar.gz"
}
