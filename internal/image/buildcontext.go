package image

import (
	"archive/tar"
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"
)

// tarContext packs files into an uncompressed tar stream, the format the
// engine's build endpoint expects. Entries are written in sorted order so
// identical inputs produce identical archives.
func tarContext(files map[string][]byte) (*bytes.Buffer, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := new(bytes.Buffer)
	tw := tar.NewWriter(buf)
	modTime := time.Unix(0, 0)
	dirs := make(map[string]struct{})
	for _, name := range names {
		for _, dir := range parentDirs(name) {
			if _, ok := dirs[dir]; ok {
				continue
			}
			dirs[dir] = struct{}{}
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     dir + "/",
				Mode:     0o755,
				ModTime:  modTime,
			}); err != nil {
				return nil, fmt.Errorf("write dir header %s: %w", dir, err)
			}
		}
		body := files[name]
		mode := int64(0o644)
		if strings.HasSuffix(name, ".sh") {
			mode = 0o755
		}
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     mode,
			Size:     int64(len(body)),
			ModTime:  modTime,
		}); err != nil {
			return nil, fmt.Errorf("write header %s: %w", name, err)
		}
		if _, err := tw.Write(body); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close build context: %w", err)
	}
	return buf, nil
}

func parentDirs(name string) []string {
	parts := strings.Split(name, "/")
	out := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		out = append(out, strings.Join(parts[:i], "/"))
	}
	return out
}
